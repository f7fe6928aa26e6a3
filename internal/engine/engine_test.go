package engine

import (
	"math"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

const frameInterval = 33 * time.Millisecond

type harness struct {
	t     *testing.T
	eng   *Engine
	clock *ManualClock
	seq   uint64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	require.NoError(t, cfg.Validate())
	return &harness{
		t:     t,
		eng:   New(cfg),
		clock: NewManualClock(time.Unix(1_700_000_000, 0)),
	}
}

func (h *harness) frame(face bool, ear *float64) Result {
	h.seq++
	obs := types.Observation{
		Seq:         h.seq,
		Timestamp:   h.clock.Advance(frameInterval),
		FacePresent: face,
		EAR:         ear,
	}
	return h.eng.Process(obs)
}

// feed sends n frames with the same EAR and returns the frame numbers
// (1-based, global) at which each command was emitted.
func (h *harness) feed(n int, face bool, ear float64) map[types.AlarmCommand][]uint64 {
	fired := make(map[types.AlarmCommand][]uint64)
	for i := 0; i < n; i++ {
		res := h.frame(face, types.EARPtr(ear))
		for _, cmd := range res.Commands() {
			fired[cmd] = append(fired[cmd], h.seq)
		}
	}
	return fired
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		face bool
		ear  *float64
		want types.Level
	}{
		{"no face", false, types.EARPtr(0.10), types.LevelUnknown},
		{"no face no ear", false, nil, types.LevelUnknown},
		{"face without ear", true, nil, types.LevelUnknown},
		{"nan ear", true, types.EARPtr(math.NaN()), types.LevelUnknown},
		{"closed", true, types.EARPtr(0.20), types.LevelCritical},
		{"critical boundary is fatigue", true, types.EARPtr(0.26), types.LevelFatigue},
		{"tired", true, types.EARPtr(0.28), types.LevelFatigue},
		{"fatigue boundary is alert", true, types.EARPtr(0.30), types.LevelAlert},
		{"open", true, types.EARPtr(0.35), types.LevelAlert},
		{"negative accepted", true, types.EARPtr(-0.5), types.LevelCritical},
		{"above one accepted", true, types.EARPtr(1.7), types.LevelAlert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := types.Observation{FacePresent: tt.face, EAR: tt.ear}
			assert.Equal(t, tt.want, Classify(obs, cfg))
		})
	}
}

func TestAccumulatorTransitions(t *testing.T) {
	acc := NewAccumulator(DefaultConfig())

	for i := 0; i < 3; i++ {
		acc.Advance(types.LevelCritical)
	}
	assert.Equal(t, types.Condition{CriticalRun: 3}, acc.Condition())

	cond := acc.Advance(types.LevelFatigue)
	assert.Equal(t, types.Condition{FatigueRun: 1}, cond)

	// Alert frames below the clear threshold leave drowsiness evidence intact
	for i := 0; i < 4; i++ {
		cond = acc.Advance(types.LevelAlert)
	}
	assert.Equal(t, types.Condition{FatigueRun: 1, AlertRun: 4}, cond)

	cond = acc.Advance(types.LevelAlert)
	assert.Equal(t, types.Condition{AlertRun: 5}, cond)

	cond = acc.Advance(types.LevelCritical)
	assert.Equal(t, types.Condition{CriticalRun: 1}, cond)
}

func TestAccumulatorDropoutDecays(t *testing.T) {
	acc := NewAccumulator(DefaultConfig())
	for i := 0; i < 30; i++ {
		acc.Advance(types.LevelCritical)
	}

	cond := acc.Advance(types.LevelUnknown)
	assert.Equal(t, 29, cond.CriticalRun, "single dropout must decay, not reset")
	assert.Equal(t, 0, cond.FatigueRun)
	assert.Equal(t, 0, cond.AlertRun)

	for i := 0; i < 100; i++ {
		cond = acc.Advance(types.LevelUnknown)
	}
	assert.Equal(t, types.Condition{}, cond, "decay floors at zero")
}

func TestEscalationTrigger(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	fired := h.feed(59, true, 0.20)
	assert.Empty(t, fired, "no command before the threshold")

	fired = h.feed(1, true, 0.20)
	assert.Equal(t, []uint64{60}, fired[types.CommandStartHigh])
	assert.True(t, h.eng.Snapshot().HighActive)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)

	h.feed(60, true, 0.20)
	_, ok := h.eng.LastFired(types.SeverityHigh)
	require.True(t, ok)

	// 90 frames at 33ms = 2.97s: still inside the 3s cooldown
	fired := h.feed(90, true, 0.20)
	assert.Empty(t, fired[types.CommandStartHigh])

	// Frame 151 is 91*33ms = 3.003s after the first firing
	fired = h.feed(1, true, 0.20)
	assert.Equal(t, []uint64{151}, fired[types.CommandStartHigh])
}

func TestCooldownIsStrictlyGreater(t *testing.T) {
	cfg := DefaultConfig()
	ctrl := NewAlarmController(cfg)
	start := time.Unix(0, 0)
	cond := types.Condition{CriticalRun: cfg.CriticalFramesToAlarm}

	assert.Equal(t, []types.AlarmCommand{types.CommandStartHigh}, commandsOf(ctrl.OnCondition(cond, start)))
	assert.Empty(t, ctrl.OnCondition(cond, start.Add(cfg.AlarmCooldown)))
	assert.Equal(t, []types.AlarmCommand{types.CommandStartHigh},
		commandsOf(ctrl.OnCondition(cond, start.Add(cfg.AlarmCooldown+time.Nanosecond))))
}

func TestRecoveryClearsAlarm(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.feed(60, true, 0.20)
	require.True(t, h.eng.Snapshot().HighActive)

	fired := h.feed(4, true, 0.35)
	assert.Empty(t, fired)

	fired = h.feed(1, true, 0.35)
	assert.Equal(t, []uint64{65}, fired[types.CommandStop])

	snap := h.eng.Snapshot()
	assert.False(t, snap.HighActive)
	assert.False(t, snap.LowActive)
	assert.Equal(t, 0, snap.Condition.CriticalRun)
	assert.Equal(t, 0, snap.Condition.FatigueRun)

	fired = h.feed(10, true, 0.35)
	assert.Empty(t, fired, "stop is emitted once")
	assert.Equal(t, types.Condition{AlertRun: 15}, h.eng.Snapshot().Condition)
}

func TestFatigueThenCriticalSwitchesSeverity(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	fired := h.feed(200, true, 0.28)
	assert.Equal(t, []uint64{200}, fired[types.CommandStartLow])
	require.True(t, h.eng.Snapshot().LowActive)

	res := h.frame(true, types.EARPtr(0.10))
	assert.Equal(t, types.Condition{CriticalRun: 1}, res.Condition)
	assert.Equal(t, []types.AlarmCommand{types.CommandStop}, res.Commands())
	assert.Equal(t, ReasonEscalation, res.Directives[0].Reason)

	snap := h.eng.Snapshot()
	assert.False(t, snap.LowActive, "low alarm cleared when critical run reaches 1")
	assert.False(t, snap.HighActive)

	fired = h.feed(58, true, 0.10)
	assert.Empty(t, fired)
	assert.False(t, h.eng.Snapshot().HighActive)

	fired = h.feed(1, true, 0.10)
	assert.Equal(t, []uint64{260}, fired[types.CommandStartHigh])
	assert.True(t, h.eng.Snapshot().HighActive)
}

func TestHighToLowSwitchIgnoresCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FatigueFramesToAlarm = 10
	h := newHarness(t, cfg)

	h.feed(60, true, 0.20)
	require.True(t, h.eng.Snapshot().HighActive)

	// 10 fatigue frames arrive well within the high alarm cooldown
	fired := h.feed(10, true, 0.28)
	assert.Equal(t, []uint64{70}, fired[types.CommandStartLow])

	snap := h.eng.Snapshot()
	assert.True(t, snap.LowActive)
	assert.False(t, snap.HighActive)
}

func TestDropoutKeepsAlarmSounding(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.feed(60, true, 0.20)

	res := h.frame(false, nil)
	assert.Empty(t, res.Commands())
	assert.Equal(t, types.LevelUnknown, res.Level)
	assert.Equal(t, 59, res.Condition.CriticalRun)
	assert.True(t, h.eng.Snapshot().HighActive, "a dropped detection must not silence the alarm")
}

func TestDropoutResetPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DropoutPolicy = DropoutReset
	h := newHarness(t, cfg)
	h.feed(60, true, 0.20)

	res := h.frame(false, nil)
	assert.Equal(t, []types.AlarmCommand{types.CommandStop}, res.Commands())
	assert.Equal(t, ReasonFaceLost, res.Directives[0].Reason)
	assert.Equal(t, types.Condition{}, res.Condition)
	assert.False(t, h.eng.Snapshot().HighActive)

	res = h.frame(false, nil)
	assert.Empty(t, res.Commands(), "nothing to silence the second time")
}

func TestManualReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.feed(60, true, 0.20)

	res := h.eng.ManualReset()
	assert.Equal(t, []types.AlarmCommand{types.CommandStop}, res.Commands())
	assert.Equal(t, types.Condition{}, res.Condition)
	assert.False(t, h.eng.Snapshot().HighActive)

	// Reset always emits Stop, even when idle
	res = h.eng.ManualReset()
	assert.Equal(t, []types.AlarmCommand{types.CommandStop}, res.Commands())

	// The run restarts from zero
	fired := h.feed(59, true, 0.20)
	assert.Empty(t, fired)
	fired = h.feed(1, true, 0.20)
	assert.Len(t, fired[types.CommandStartHigh], 1)
}

func TestShutdownSilences(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.Empty(t, h.eng.Shutdown().Commands())

	h = newHarness(t, DefaultConfig())
	h.feed(200, true, 0.28)
	res := h.eng.Shutdown()
	assert.Equal(t, []types.AlarmCommand{types.CommandStop}, res.Commands())
	snap := h.eng.Snapshot()
	assert.False(t, snap.Monitoring)
	assert.False(t, snap.LowActive)
}

func TestSnapshotIsACopy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ear := 0.21
	h.frame(true, &ear)

	snap := h.eng.Snapshot()
	require.NotNil(t, snap.EAR)
	*snap.EAR = 0.99
	ear = 0.5

	assert.InDelta(t, 0.21, *h.eng.Snapshot().EAR, 1e-9)
}

// TestInvariantsHold drives random sequences and checks non-negativity and
// mutual exclusivity after every frame.
func TestInvariantsHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CriticalFramesToAlarm = 6
	cfg.FatigueFramesToAlarm = 9
	cfg.AwakeFramesToClear = 3

	property := func(seed int64, resetPolicy bool) bool {
		c := cfg
		if resetPolicy {
			c.DropoutPolicy = DropoutReset
		}
		eng := New(c)
		rng := rand.New(rand.NewSource(seed))
		now := time.Unix(0, 0)

		for i := 0; i < 2000; i++ {
			now = now.Add(time.Duration(rng.Intn(400)) * time.Millisecond)
			obs := types.Observation{
				Seq:         uint64(i),
				Timestamp:   now,
				FacePresent: rng.Intn(10) > 0,
				EAR:         types.EARPtr(rng.Float64() * 0.45),
			}
			if rng.Intn(200) == 0 {
				eng.ManualReset()
			}
			res := eng.Process(obs)
			st := eng.AlarmState()

			if res.Condition.CriticalRun < 0 || res.Condition.FatigueRun < 0 || res.Condition.AlertRun < 0 {
				return false
			}
			if res.Condition.CriticalRun > 0 && res.Condition.FatigueRun > 0 {
				return false
			}
			if st.HighActive && st.LowActive {
				return false
			}
			if len(res.Directives) > 1 {
				return false
			}
		}
		return true
	}

	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 50}))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"inverted thresholds", func(c *Config) { c.FatigueEARThreshold = 0.2 }, false},
		{"equal thresholds", func(c *Config) { c.FatigueEARThreshold = c.CriticalEARThreshold }, false},
		{"zero critical frames", func(c *Config) { c.CriticalFramesToAlarm = 0 }, false},
		{"negative fatigue frames", func(c *Config) { c.FatigueFramesToAlarm = -1 }, false},
		{"zero awake frames", func(c *Config) { c.AwakeFramesToClear = 0 }, false},
		{"negative cooldown", func(c *Config) { c.AlarmCooldown = -time.Second }, false},
		{"zero cooldown", func(c *Config) { c.AlarmCooldown = 0 }, true},
		{"bad policy", func(c *Config) { c.DropoutPolicy = "ignore" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestControllerResetAndSilenceReasons(t *testing.T) {
	cfg := DefaultConfig()
	ctrl := NewAlarmController(cfg)

	assert.Empty(t, ctrl.Silence(ReasonShutdown), "nothing active")
	assert.Equal(t, []Directive{{Command: types.CommandStop, Reason: ReasonManualReset}},
		ctrl.Reset(ReasonManualReset), "reset always stops")

	ctrl.OnCondition(types.Condition{FatigueRun: cfg.FatigueFramesToAlarm}, time.Unix(0, 0))
	require.True(t, ctrl.State().LowActive)

	assert.Equal(t, []Directive{{Command: types.CommandStop, Reason: ReasonFaceLost}},
		ctrl.Silence(ReasonFaceLost))
	assert.False(t, ctrl.State().LowActive)
}

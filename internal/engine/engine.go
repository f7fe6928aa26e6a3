package engine

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Result is the outcome of processing one observation
type Result struct {
	Level      types.Level
	Condition  types.Condition
	Directives []Directive
}

// Commands returns the emitted commands without reasons
func (r Result) Commands() []types.AlarmCommand {
	return commandsOf(r.Directives)
}

// Engine wires classifier, accumulator and alarm controller.
//
// Process, ManualReset and Shutdown are meant to be called from a single
// decision goroutine. Snapshot may be called from any goroutine.
type Engine struct {
	cfg    Config
	acc    *Accumulator
	alarms *AlarmController

	mu   sync.RWMutex
	snap types.Snapshot
}

// New creates an engine with zeroed condition and no active alarm.
// cfg must already be validated.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		acc:    NewAccumulator(cfg),
		alarms: NewAlarmController(cfg),
		snap: types.Snapshot{
			Monitoring:     true,
			CriticalFrames: cfg.CriticalFramesToAlarm,
			FatigueFrames:  cfg.FatigueFramesToAlarm,
			AwakeFrames:    cfg.AwakeFramesToClear,
		},
	}
}

// Config returns the engine thresholds
func (e *Engine) Config() Config {
	return e.cfg
}

// Process classifies, accumulates and decides for one frame
func (e *Engine) Process(obs types.Observation) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	level := Classify(obs, e.cfg)

	var (
		cond       types.Condition
		directives []Directive
	)
	if level == types.LevelUnknown && e.cfg.DropoutPolicy == DropoutReset {
		cond = e.acc.Reset()
		directives = e.alarms.Silence(ReasonFaceLost)
	} else {
		cond = e.acc.Advance(level)
		directives = e.alarms.OnCondition(cond, obs.Timestamp)
	}

	e.snap.Seq = obs.Seq
	e.snap.At = obs.Timestamp
	e.snap.Level = level
	e.snap.FacePresent = obs.FacePresent
	e.snap.EAR = copyEAR(obs.EAR)
	e.updateLocked(cond)

	return Result{Level: level, Condition: cond, Directives: directives}
}

// ManualReset zeroes all runs and unconditionally stops the alarm
func (e *Engine) ManualReset() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	cond := e.acc.Reset()
	directives := e.alarms.Reset(ReasonManualReset)
	e.updateLocked(cond)

	return Result{Level: e.snap.Level, Condition: cond, Directives: directives}
}

// Shutdown stops any active alarm and marks the engine as not monitoring
func (e *Engine) Shutdown() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	directives := e.alarms.Silence(ReasonShutdown)
	e.snap.Monitoring = false
	e.updateLocked(e.acc.Condition())

	return Result{Level: e.snap.Level, Condition: e.acc.Condition(), Directives: directives}
}

// Snapshot returns a consistent copy of the presentation state
func (e *Engine) Snapshot() types.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := e.snap
	snap.EAR = copyEAR(e.snap.EAR)
	return snap
}

// AlarmState returns a copy of the controller state
func (e *Engine) AlarmState() AlarmState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.alarms.State()
}

// LastFired returns when the given alarm last fired
func (e *Engine) LastFired(sev types.Severity) (time.Time, bool) {
	st := e.AlarmState()
	if sev == types.SeverityHigh {
		return st.LastHighFired.Last()
	}
	return st.LastLowFired.Last()
}

func (e *Engine) updateLocked(cond types.Condition) {
	st := e.alarms.State()
	e.snap.Condition = cond
	e.snap.HighActive = st.HighActive
	e.snap.LowActive = st.LowActive
}

func copyEAR(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

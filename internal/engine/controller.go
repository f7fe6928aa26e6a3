package engine

import (
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Reason explains why a command was emitted
type Reason string

const (
	ReasonCriticalSustained Reason = "critical_sustained"
	ReasonCriticalRepeat    Reason = "critical_repeat"
	ReasonFatigueSustained  Reason = "fatigue_sustained"
	ReasonFatigueRepeat     Reason = "fatigue_repeat"
	ReasonDriverAwake       Reason = "driver_awake"
	ReasonEscalation        Reason = "escalation"
	ReasonManualReset       Reason = "manual_reset"
	ReasonFaceLost          Reason = "face_lost"
	ReasonShutdown          Reason = "shutdown"
)

// Directive is a command together with the reason it was issued
type Directive struct {
	Command types.AlarmCommand
	Reason  Reason
}

// AlarmState is owned by the controller. HighActive and LowActive are
// never both true.
type AlarmState struct {
	HighActive    bool
	LowActive     bool
	LastHighFired Cooldown
	LastLowFired  Cooldown
}

// AlarmController turns conditions into start/stop/repeat commands
type AlarmController struct {
	cfg   Config
	state AlarmState
}

// NewAlarmController creates a controller with no active alarm
func NewAlarmController(cfg Config) *AlarmController {
	return &AlarmController{cfg: cfg}
}

// OnCondition evaluates the condition after the accumulator update,
// applying the alarm rules in priority order
func (c *AlarmController) OnCondition(cond types.Condition, now time.Time) []Directive {
	switch {
	case cond.CriticalRun >= c.cfg.CriticalFramesToAlarm:
		if !c.state.HighActive {
			return c.startHigh(now, ReasonCriticalSustained)
		}
		if c.state.LastHighFired.Expired(now, c.cfg.AlarmCooldown) {
			return c.startHigh(now, ReasonCriticalRepeat)
		}

	case cond.FatigueRun >= c.cfg.FatigueFramesToAlarm:
		if !c.state.LowActive {
			return c.startLow(now, ReasonFatigueSustained)
		}
		if c.state.LastLowFired.Expired(now, c.cfg.AlarmCooldown) {
			return c.startLow(now, ReasonFatigueRepeat)
		}

	case cond.AlertRun >= c.cfg.AwakeFramesToClear && c.active():
		return c.stop(ReasonDriverAwake)

	case c.state.LowActive && cond.CriticalRun > 0:
		// Severity went up: the fatigue alarm stops now, the critical one
		// starts when its own run reaches the threshold.
		return c.stop(ReasonEscalation)
	}

	return nil
}

// Reset unconditionally stops playback and clears both alarms
func (c *AlarmController) Reset(reason Reason) []Directive {
	c.state.HighActive = false
	c.state.LowActive = false
	return []Directive{{Command: types.CommandStop, Reason: reason}}
}

// Silence stops playback only if an alarm is active
func (c *AlarmController) Silence(reason Reason) []Directive {
	if !c.active() {
		return nil
	}
	return c.stop(reason)
}

// State returns a copy of the alarm state
func (c *AlarmController) State() AlarmState {
	return c.state
}

func (c *AlarmController) active() bool {
	return c.state.HighActive || c.state.LowActive
}

func (c *AlarmController) startHigh(now time.Time, reason Reason) []Directive {
	c.state.HighActive = true
	c.state.LowActive = false
	c.state.LastHighFired.Mark(now)
	return []Directive{{Command: types.CommandStartHigh, Reason: reason}}
}

func (c *AlarmController) startLow(now time.Time, reason Reason) []Directive {
	c.state.LowActive = true
	c.state.HighActive = false
	c.state.LastLowFired.Mark(now)
	return []Directive{{Command: types.CommandStartLow, Reason: reason}}
}

func (c *AlarmController) stop(reason Reason) []Directive {
	c.state.HighActive = false
	c.state.LowActive = false
	return []Directive{{Command: types.CommandStop, Reason: reason}}
}

func commandsOf(directives []Directive) []types.AlarmCommand {
	if len(directives) == 0 {
		return nil
	}
	cmds := make([]types.AlarmCommand, len(directives))
	for i, d := range directives {
		cmds[i] = d.Command
	}
	return cmds
}

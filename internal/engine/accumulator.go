package engine

import "github.com/e7canasta/orion-drowsiness/internal/types"

// Accumulator keeps run-length counters across frames
type Accumulator struct {
	awakeFramesToClear int
	cond               types.Condition
}

// NewAccumulator creates an accumulator with all runs at zero
func NewAccumulator(cfg Config) *Accumulator {
	return &Accumulator{awakeFramesToClear: cfg.AwakeFramesToClear}
}

// Advance applies one frame's level and returns the new condition.
// Must be called exactly once per frame.
func (a *Accumulator) Advance(level types.Level) types.Condition {
	switch level {
	case types.LevelCritical:
		a.cond.CriticalRun++
		a.cond.FatigueRun = 0
		a.cond.AlertRun = 0

	case types.LevelFatigue:
		a.cond.FatigueRun++
		a.cond.CriticalRun = 0
		a.cond.AlertRun = 0

	case types.LevelAlert:
		a.cond.AlertRun++
		if a.cond.AlertRun >= a.awakeFramesToClear {
			a.cond.CriticalRun = 0
			a.cond.FatigueRun = 0
		}

	default:
		// No face: decay so one dropped detection keeps the evidence
		a.cond.CriticalRun = max(0, a.cond.CriticalRun-1)
		a.cond.FatigueRun = max(0, a.cond.FatigueRun-1)
		a.cond.AlertRun = 0
	}

	return a.cond
}

// Reset zeroes all counters
func (a *Accumulator) Reset() types.Condition {
	a.cond = types.Condition{}
	return a.cond
}

// Condition returns the current condition
func (a *Accumulator) Condition() types.Condition {
	return a.cond
}

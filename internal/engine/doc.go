// Package engine implements the temporal alertness decision engine.
//
// Per frame, strictly in order:
//
//	Observation → Classify → Accumulator.Advance → AlarmController.OnCondition → []Directive
//
// The engine is single-threaded and total: it never blocks and never fails.
// Thresholds are frame counts, so timing depends on the source frame rate.
// Cooldowns are the only wall-time concept and use monotonic clock readings.
//
// Severity bias: the critical threshold fires after fewer frames than the
// fatigue one, and clearing requires a sustained run of alert frames. A frame
// without a face decays the run counters instead of resetting them, so a
// dropped detection does not erase accumulated evidence or silence an alarm.
package engine

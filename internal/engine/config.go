package engine

import (
	"fmt"
	"time"
)

// DropoutPolicy selects how frames without a face affect engine state
type DropoutPolicy string

const (
	// DropoutDecay decrements run counters by one and leaves alarms untouched
	DropoutDecay DropoutPolicy = "decay"
	// DropoutReset zeroes run counters and silences any active alarm
	DropoutReset DropoutPolicy = "reset"
)

// Config holds the fixed thresholds of the decision engine
type Config struct {
	CriticalEARThreshold  float64
	FatigueEARThreshold   float64
	CriticalFramesToAlarm int
	FatigueFramesToAlarm  int
	AwakeFramesToClear    int
	AlarmCooldown         time.Duration
	DropoutPolicy         DropoutPolicy
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		CriticalEARThreshold:  0.26,
		FatigueEARThreshold:   0.30,
		CriticalFramesToAlarm: 60,
		FatigueFramesToAlarm:  200,
		AwakeFramesToClear:    5,
		AlarmCooldown:         3 * time.Second,
		DropoutPolicy:         DropoutDecay,
	}
}

// Validate checks threshold ordering and frame counts
func (c Config) Validate() error {
	if c.CriticalEARThreshold <= 0 {
		return fmt.Errorf("critical_ear_threshold must be > 0, got %.3f", c.CriticalEARThreshold)
	}
	if c.FatigueEARThreshold <= c.CriticalEARThreshold {
		return fmt.Errorf("fatigue_ear_threshold (%.3f) must be greater than critical_ear_threshold (%.3f)",
			c.FatigueEARThreshold, c.CriticalEARThreshold)
	}
	if c.CriticalFramesToAlarm <= 0 {
		return fmt.Errorf("critical_frames_to_alarm must be > 0, got %d", c.CriticalFramesToAlarm)
	}
	if c.FatigueFramesToAlarm <= 0 {
		return fmt.Errorf("fatigue_frames_to_alarm must be > 0, got %d", c.FatigueFramesToAlarm)
	}
	if c.AwakeFramesToClear <= 0 {
		return fmt.Errorf("awake_frames_to_clear must be > 0, got %d", c.AwakeFramesToClear)
	}
	if c.AlarmCooldown < 0 {
		return fmt.Errorf("alarm_cooldown must not be negative, got %s", c.AlarmCooldown)
	}
	switch c.DropoutPolicy {
	case DropoutDecay, DropoutReset:
	default:
		return fmt.Errorf("unknown dropout_policy '%s' (must be 'decay' or 'reset')", c.DropoutPolicy)
	}
	return nil
}

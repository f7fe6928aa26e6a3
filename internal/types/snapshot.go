package types

import (
	"fmt"
	"time"
)

// Snapshot is a read-only copy of engine state for presentation consumers
type Snapshot struct {
	Seq         uint64    `json:"seq"`
	At          time.Time `json:"at"`
	Level       Level     `json:"level"`
	FacePresent bool      `json:"face_present"`
	EAR         *float64  `json:"ear,omitempty"`
	Condition   Condition `json:"condition"`
	HighActive  bool      `json:"high_active"`
	LowActive   bool      `json:"low_active"`
	Monitoring  bool      `json:"monitoring"`

	// Thresholds are carried so renderers can draw progress without config access
	CriticalFrames int `json:"critical_frames"`
	FatigueFrames  int `json:"fatigue_frames"`
	AwakeFrames    int `json:"awake_frames"`
}

// Severity returns which alarm is active
func (s Snapshot) Severity() Severity {
	switch {
	case s.HighActive:
		return SeverityHigh
	case s.LowActive:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// StatusText returns the overlay headline for the current frame
func (s Snapshot) StatusText() string {
	switch {
	case !s.Monitoring:
		return "Not Monitoring"
	case s.Level == LevelUnknown:
		return "No Face Detected"
	case s.Level == LevelCritical && s.CriticalFrames > 0 && s.Condition.CriticalRun >= s.CriticalFrames:
		return "!!! DROWSY ALERT !!!"
	case s.Level == LevelFatigue && s.FatigueFrames > 0 && s.Condition.FatigueRun >= s.FatigueFrames:
		return "Tired - Take a Break!"
	default:
		return "Active - Monitoring"
	}
}

// ProgressText returns the status bar line shown at the bottom of the overlay
func (s Snapshot) ProgressText() string {
	return fmt.Sprintf("Drowsy: %d/%d | Tired: %d/%d | Awake: %d",
		s.Condition.CriticalRun, s.CriticalFrames,
		s.Condition.FatigueRun, s.FatigueFrames,
		s.Condition.AlertRun)
}

// CriticalProgress returns how close the critical run is to firing (0.0 - 1.0)
func (s Snapshot) CriticalProgress() float64 {
	return progress(s.Condition.CriticalRun, s.CriticalFrames)
}

// FatigueProgress returns how close the fatigue run is to firing (0.0 - 1.0)
func (s Snapshot) FatigueProgress() float64 {
	return progress(s.Condition.FatigueRun, s.FatigueFrames)
}

func progress(run, threshold int) float64 {
	if threshold <= 0 {
		return 0
	}
	p := float64(run) / float64(threshold)
	if p > 1 {
		return 1
	}
	return p
}

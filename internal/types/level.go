package types

// Level is the per-frame alertness classification
type Level int

const (
	// LevelUnknown means no face was tracked in the frame
	LevelUnknown Level = iota
	// LevelAlert means the eyes are open
	LevelAlert
	// LevelFatigue means the eyes are partially closed
	LevelFatigue
	// LevelCritical means the eyes are closed
	LevelCritical
)

// String returns a human-readable string representation of the level
func (l Level) String() string {
	switch l {
	case LevelAlert:
		return "alert"
	case LevelFatigue:
		return "fatigue"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so levels serialize by name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Condition is the rolling run-length state owned by the accumulator
type Condition struct {
	CriticalRun int `json:"critical_run"`
	FatigueRun  int `json:"fatigue_run"`
	AlertRun    int `json:"alert_run"`
}

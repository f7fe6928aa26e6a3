package types

// AlarmCommand is an instruction for the audio player
type AlarmCommand int

const (
	// CommandStop cancels current playback, if any
	CommandStop AlarmCommand = iota
	// CommandStartHigh plays the high-severity (drowsy) alarm
	CommandStartHigh
	// CommandStartLow plays the low-severity (fatigue) alarm
	CommandStartLow
)

// String returns a human-readable string representation of the command
func (c AlarmCommand) String() string {
	switch c {
	case CommandStartHigh:
		return "start_high"
	case CommandStartLow:
		return "start_low"
	default:
		return "stop"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c AlarmCommand) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Severity identifies which alarm is sounding
type Severity string

const (
	SeverityNone Severity = "none"
	SeverityHigh Severity = "high"
	SeverityLow  Severity = "low"
)

// AlarmEvent is published whenever the engine emits an alarm command
type AlarmEvent struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	InstanceID string       `json:"instance_id"`
	VehicleID  string       `json:"vehicle_id"`
	Command    AlarmCommand `json:"command"`
	Reason     string       `json:"reason"`
	Level      Level        `json:"level"`
	EAR        *float64     `json:"ear,omitempty"`
	Condition  Condition    `json:"condition"`
	FrameSeq   uint64       `json:"frame_seq"`
	TraceID    string       `json:"trace_id,omitempty"`
	Timestamp  string       `json:"timestamp"`
}

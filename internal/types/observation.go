package types

import (
	"math"
	"time"
)

// Observation is a single per-frame measurement from the landmark source
type Observation struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the observation was received (monotonic reading)
	Timestamp time.Time
	// FacePresent reports whether a face was tracked in this frame
	FacePresent bool
	// EAR is the eye-aspect-ratio; nil when it could not be computed
	EAR *float64
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}

// HasEAR reports whether the observation carries an eye-openness value
func (o Observation) HasEAR() bool {
	return o.EAR != nil
}

// EARValue returns the EAR or 0 if absent
func (o Observation) EARValue() float64 {
	if o.EAR == nil {
		return 0
	}
	return *o.EAR
}

// EARPtr is a convenience for building observations with a literal EAR
func EARPtr(v float64) *float64 {
	return &v
}

// RoundEAR rounds an EAR value to two decimals for display.
// Classification always uses the raw value.
func RoundEAR(v float64) float64 {
	return math.Round(v*100) / 100
}

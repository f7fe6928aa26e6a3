// Package source produces the ordered stream of eye observations consumed by
// the decision engine.
//
// Two implementations exist: Landmark, which supervises an external landmark
// process speaking length-prefixed msgpack, and Replay, which plays back a
// JSON-lines recording. Both stamp observations with a monotonic clock reading
// at receipt and deliver them strictly in order, never dropping frames.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("source: already started")

	// ErrSourceExhausted reports that the upstream failed more times in a row
	// than the restart policy allows
	ErrSourceExhausted = errors.New("source: restart attempts exhausted")
)

// Source delivers observations in arrival order.
//
// Observations is closed when the source ends. Err then distinguishes a
// persistent failure (non-nil) from a normal end (nil).
type Source interface {
	Start(ctx context.Context) error
	Observations() <-chan types.Observation
	Err() error
	Stop() error
	Stats() Stats
}

// Stats is a point-in-time view of source health
type Stats struct {
	Delivered  uint64
	Malformed  uint64
	Restarts   uint32
	Running    bool
	LastSeenAt time.Time
}

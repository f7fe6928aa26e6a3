package engine

import (
	"sync"
	"time"
)

// Clock supplies monotonic instants. time.Now carries a monotonic reading,
// so durations computed with Sub are immune to wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock is a Clock advanced explicitly, for tests and replays
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Cooldown tracks the last time an alarm fired
type Cooldown struct {
	last  time.Time
	fired bool
}

// Mark records a firing at now
func (c *Cooldown) Mark(now time.Time) {
	c.last = now
	c.fired = true
}

// Expired reports whether more than d has passed since the last firing.
// A cooldown that never fired is always expired.
func (c Cooldown) Expired(now time.Time, d time.Duration) bool {
	if !c.fired {
		return true
	}
	return now.Sub(c.last) > d
}

// Last returns the last firing instant and whether there was one
func (c Cooldown) Last() (time.Time, bool) {
	return c.last, c.fired
}

// Package snapshot fans engine snapshots out to presentation consumers.
//
// Every subscriber owns a single-slot mailbox. Publish overwrites the slot
// and never blocks, so a slow dashboard can only miss intermediate frames;
// it can never slow the decision loop down.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// idleThreshold marks a subscriber idle when it has not read for this long
const idleThreshold = 30 * time.Second

// Bus is a latest-only snapshot distributor
type Bus struct {
	mu       sync.Mutex
	slots    map[string]*slot
	latest   *types.Snapshot
	stopping bool

	published atomic.Uint64
}

type slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	snap   *types.Snapshot
	closed bool

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64
}

// SubscriberStats reports how well one consumer keeps up
type SubscriberStats struct {
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	IsIdle           bool
}

// Stats is a point-in-time view of the bus
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

// New creates an empty bus
func New() *Bus {
	return &Bus{slots: make(map[string]*slot)}
}

// Publish delivers snap to every subscriber, replacing unread snapshots
func (b *Bus) Publish(snap types.Snapshot) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.latest = &snap
	slots := make([]*slot, 0, len(b.slots))
	for _, s := range b.slots {
		slots = append(slots, s)
	}
	b.mu.Unlock()

	b.published.Add(1)

	for _, s := range slots {
		s.mu.Lock()
		if !s.closed {
			if s.snap != nil {
				s.consecutiveDrops++
				s.totalDrops++
			}
			cp := snap
			s.snap = &cp
			s.cond.Signal()
		}
		s.mu.Unlock()
	}
}

// Latest returns the most recently published snapshot
func (b *Bus) Latest() (types.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return types.Snapshot{}, false
	}
	return *b.latest, true
}

// Subscribe registers id and returns a blocking read function. The read
// function must be called from a single goroutine; it returns false once
// the subscriber is removed or the bus is closed. A new subscriber starts
// with the latest snapshot already pending.
func (b *Bus) Subscribe(id string) func() (types.Snapshot, bool) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return func() (types.Snapshot, bool) { return types.Snapshot{}, false }
	}

	s := &slot{lastConsumedAt: time.Now()}
	s.cond = sync.NewCond(&s.mu)
	if b.latest != nil {
		cp := *b.latest
		s.snap = &cp
	}
	if old, ok := b.slots[id]; ok {
		old.close()
	}
	b.slots[id] = s
	b.mu.Unlock()

	return func() (types.Snapshot, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		for s.snap == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return types.Snapshot{}, false
		}

		snap := *s.snap
		s.snap = nil
		s.lastConsumedAt = time.Now()
		s.lastConsumedSeq = snap.Seq
		s.consecutiveDrops = 0
		return snap, true
	}
}

// Unsubscribe removes id and wakes its reader. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.slots[id]
	delete(b.slots, id)
	b.mu.Unlock()

	if ok {
		s.close()
	}
}

// Close wakes every reader and rejects further publishes and subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	b.stopping = true
	slots := b.slots
	b.slots = make(map[string]*slot)
	b.mu.Unlock()

	for _, s := range slots {
		s.close()
	}
}

func (s *slot) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats returns publish and per-subscriber counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	slots := make(map[string]*slot, len(b.slots))
	for id, s := range b.slots {
		slots[id] = s
	}
	b.mu.Unlock()

	subs := make(map[string]SubscriberStats, len(slots))
	for id, s := range slots {
		s.mu.Lock()
		subs[id] = SubscriberStats{
			LastConsumedAt:   s.lastConsumedAt,
			LastConsumedSeq:  s.lastConsumedSeq,
			ConsecutiveDrops: s.consecutiveDrops,
			TotalDrops:       s.totalDrops,
			IsIdle:           time.Since(s.lastConsumedAt) > idleThreshold,
		}
		s.mu.Unlock()
	}

	return Stats{
		Published:   b.published.Load(),
		Subscribers: subs,
	}
}

package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// ErrorHook observes classified playback failures
type ErrorHook func(class ErrorClass, err error)

// DispatcherStats reports mailbox activity
type DispatcherStats struct {
	Submitted uint64
	Coalesced uint64 // commands overwritten before the player saw them
	Executed  uint64
	Failed    uint64
}

// Dispatcher executes alarm commands on a dedicated goroutine.
//
// The mailbox holds a single pending command. Submit overwrites it and never
// blocks. Commands are state requests, so only the newest one matters.
type Dispatcher struct {
	player  Player
	assets  Assets
	onError ErrorHook
	log     *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending *types.AlarmCommand
	closed  bool
	done    chan struct{}

	submitted atomic.Uint64
	coalesced atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher starts the player goroutine. onError may be nil.
func NewDispatcher(player Player, assets Assets, onError ErrorHook) *Dispatcher {
	d := &Dispatcher{
		player:  player,
		assets:  assets,
		onError: onError,
		log:     slog.With("component", "audio"),
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.loop()
	return d
}

// Submit queues cmd, replacing any command the player has not picked up yet
func (d *Dispatcher) Submit(cmd types.AlarmCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if d.pending != nil {
		d.coalesced.Add(1)
	}
	d.pending = &cmd
	d.submitted.Add(1)
	d.cond.Signal()
	return nil
}

// SubmitAll queues commands in order. Only the last survives if the player
// is busy.
func (d *Dispatcher) SubmitAll(cmds []types.AlarmCommand) {
	for _, cmd := range cmds {
		if err := d.Submit(cmd); err != nil {
			d.log.Warn("alarm command dropped", "command", cmd, "error", err)
			return
		}
	}
}

// next blocks until a command is pending. It returns false once closed and
// drained.
func (d *Dispatcher) next() (types.AlarmCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.pending == nil && !d.closed {
		d.cond.Wait()
	}
	if d.pending == nil {
		return 0, false
	}

	cmd := *d.pending
	d.pending = nil
	return cmd, true
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for {
		cmd, ok := d.next()
		if !ok {
			return
		}
		d.execute(cmd)
	}
}

func (d *Dispatcher) execute(cmd types.AlarmCommand) {
	var (
		err   error
		asset string
	)

	if a, ok := d.assets.For(cmd); ok {
		asset = a
		err = d.player.Play(asset)
	} else {
		err = d.player.Stop()
	}
	d.executed.Add(1)

	if err == nil {
		d.log.Debug("alarm command executed", "command", cmd, "asset", asset)
		return
	}

	d.Report(err)
}

// Report logs and counts a playback failure. Player backends call it for
// failures detected after Play returned.
func (d *Dispatcher) Report(err error) {
	class := Classify(err)
	d.failed.Add(1)
	d.log.Error("alarm playback failed",
		"error", err,
		"class", class.String(),
		"action", "decision loop continues without sound for this command",
	)
	if d.onError != nil {
		d.onError(class, err)
	}
}

// Close executes the pending command, stops playback and releases the player
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()

	<-d.done

	if err := d.player.Stop(); err != nil {
		d.log.Warn("failed to stop playback on close", "error", err)
	}
	return d.player.Close()
}

// Stats returns mailbox counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted: d.submitted.Load(),
		Coalesced: d.coalesced.Load(),
		Executed:  d.executed.Load(),
		Failed:    d.failed.Load(),
	}
}

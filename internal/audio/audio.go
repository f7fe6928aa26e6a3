// Package audio turns alarm commands into sound.
//
// The decision loop never waits on audio. Commands go through a Dispatcher,
// a latest-only mailbox drained by one player goroutine, so a slow or broken
// sound device cannot delay the next frame.
package audio

import (
	"log/slog"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Player plays one alarm asset at a time. Play replaces whatever is playing;
// Stop interrupts playback immediately.
type Player interface {
	Play(asset string) error
	Stop() error
	Close() error
}

// Assets maps alarm severities to sound files
type Assets struct {
	High string
	Low  string
}

// For returns the asset for a start command
func (a Assets) For(cmd types.AlarmCommand) (string, bool) {
	switch cmd {
	case types.CommandStartHigh:
		return a.High, true
	case types.CommandStartLow:
		return a.Low, true
	default:
		return "", false
	}
}

// NullPlayer discards every command. It is used when audio is disabled or
// the sound system failed to initialise.
type NullPlayer struct{}

func (NullPlayer) Play(asset string) error {
	slog.Debug("audio disabled, not playing", "asset", asset)
	return nil
}

func (NullPlayer) Stop() error  { return nil }
func (NullPlayer) Close() error { return nil }

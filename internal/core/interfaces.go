package core

import (
	"errors"

	"github.com/e7canasta/orion-drowsiness/internal/audio"
	"github.com/e7canasta/orion-drowsiness/internal/emitter"
	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/source"
)

var (
	// ErrNotRunning is returned by operations that need the decision loop
	ErrNotRunning = errors.New("monitor: not running")

	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("monitor: already running")
)

// Deps overrides the components NewMonitor would otherwise build from
// configuration. Zero fields are built from config.
type Deps struct {
	Source  source.Source
	Player  audio.Player
	Clock   engine.Clock
	Emitter *emitter.MQTTEmitter
}

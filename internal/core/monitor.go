// Package core runs the drowsiness monitor: it wires the observation source,
// decision engine, audio and MQTT, and owns the decision loop.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-drowsiness/internal/audio"
	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/control"
	"github.com/e7canasta/orion-drowsiness/internal/emitter"
	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/metrics"
	"github.com/e7canasta/orion-drowsiness/internal/snapshot"
	"github.com/e7canasta/orion-drowsiness/internal/source"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

const (
	eventQueueSize   = 64
	statsInterval    = 10 * time.Second
	statusSubscriber = "mqtt-status"
)

// Monitor is the drowsiness monitoring service. It owns the single decision
// goroutine: observations, manual resets and shutdown all pass through it in
// order.
type Monitor struct {
	cfg       *config.Config
	sessionID string
	vehicle   string // metrics label

	// Core components
	engine     *engine.Engine
	source     source.Source
	dispatcher *audio.Dispatcher
	bus        *snapshot.Bus
	emitter    *emitter.MQTTEmitter
	dial       bool // emitter built here, so Run connects it
	control    *control.Handler
	clock      engine.Clock
	meter      *source.RateMeter // decision loop only
	rate       atomic.Pointer[source.RateStats]

	resets chan resetRequest
	events chan types.AlarmEvent

	// Lifecycle management
	started      time.Time
	mu           sync.RWMutex
	isRunning    bool
	cancelCtx    context.CancelFunc
	loopDone     chan struct{}
	shutdownOnce sync.Once

	framesSeen    atomic.Uint64
	audioFailures atomic.Uint64
	live          atomic.Bool // set once the decision loop is about to start
	stopped       atomic.Bool
}

type resetRequest struct {
	surface string
	done    chan struct{}
}

// NewMonitor builds the service from a validated configuration
func NewMonitor(cfg *config.Config, deps Deps) (*Monitor, error) {
	engineCfg := cfg.EngineSettings()
	if err := engineCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	src := deps.Source
	if src == nil {
		var err error
		src, err = newSource(cfg, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create observation source: %w", err)
		}
	}

	m := &Monitor{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		vehicle:   cfg.VehicleID,
		engine:    engine.New(engineCfg),
		source:    src,
		bus:       snapshot.New(),
		emitter:   deps.Emitter,
		clock:     clock,
		meter:     source.NewRateMeter(time.Duration(cfg.Source.WarmupS) * time.Second),
		resets:    make(chan resetRequest),
		events:    make(chan types.AlarmEvent, eventQueueSize),
		loopDone:  make(chan struct{}),
	}

	if m.emitter == nil && cfg.MQTTEnabled() {
		m.emitter = emitter.NewMQTTEmitter(cfg)
		if err := m.emitter.Open(); err != nil {
			return nil, fmt.Errorf("failed to create mqtt client: %w", err)
		}
		m.dial = true
	}

	player := deps.Player
	if player == nil || !cfg.AudioEnabled() {
		player = audio.NullPlayer{}
	}
	assets := audio.Assets{High: cfg.Audio.HighSound, Low: cfg.Audio.LowSound}
	m.dispatcher = audio.NewDispatcher(player, assets, m.onAudioError)
	if cfg.AudioEnabled() {
		m.checkAssets(assets)
	}

	slog.Info("monitor created",
		"instance_id", cfg.InstanceID,
		"vehicle_id", cfg.VehicleID,
		"session_id", m.sessionID,
		"critical_ear_threshold", engineCfg.CriticalEARThreshold,
		"fatigue_ear_threshold", engineCfg.FatigueEARThreshold,
		"critical_frames_to_alarm", engineCfg.CriticalFramesToAlarm,
		"fatigue_frames_to_alarm", engineCfg.FatigueFramesToAlarm,
		"awake_frames_to_clear", engineCfg.AwakeFramesToClear,
		"alarm_cooldown", engineCfg.AlarmCooldown,
		"dropout_policy", engineCfg.DropoutPolicy,
	)

	return m, nil
}

// checkAssets warns at startup about alarm files that cannot be played
func (m *Monitor) checkAssets(assets audio.Assets) {
	for _, path := range []string{assets.High, assets.Low} {
		if _, err := os.Stat(path); err != nil {
			m.onAudioError(audio.ClassMissingAsset, fmt.Errorf("%w: %s", audio.ErrMissingAsset, path))
			slog.Warn("alarm sound missing, alarm will be silent",
				"asset", path,
				"action", "continue without sound for this alarm")
		}
	}
}

func (m *Monitor) onAudioError(class audio.ErrorClass, err error) {
	m.audioFailures.Add(1)
	metrics.AudioErrors.WithLabelValues(m.vehicle, class.String()).Inc()
}

// ReportAudioError accepts failures a player detects after Play returned
func (m *Monitor) ReportAudioError(err error) {
	m.dispatcher.Report(err)
}

// SessionID identifies this monitoring session in events and status
func (m *Monitor) SessionID() string {
	return m.sessionID
}

// Snapshots exposes the live snapshot bus for presentation consumers
func (m *Monitor) Snapshots() *snapshot.Bus {
	return m.bus
}

// Run starts the service and blocks until ctx is cancelled, a shutdown
// command arrives, or the observation source fails for good. A persistent
// source failure is returned as an error after alarms are stopped.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning || !m.started.IsZero() {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.isRunning = true
	m.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	m.cancelCtx = cancel
	m.mu.Unlock()

	defer close(m.loopDone)
	defer cancel()

	slog.Info("drowsiness monitor starting",
		"instance_id", m.cfg.InstanceID,
		"session_id", m.sessionID,
	)

	if m.emitter != nil {
		m.startMQTT(ctx)
	}

	if err := m.source.Start(ctx); err != nil {
		m.stopMonitoring("source_start_failed")
		return fmt.Errorf("failed to start observation source: %w", err)
	}

	m.bus.Publish(m.engine.Snapshot())
	metrics.Monitoring.WithLabelValues(m.vehicle).Set(1)
	m.live.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The loop ending for any reason ends the run
		defer cancel()
		return m.consumeObservations(gctx)
	})
	g.Go(func() error { return m.publishEvents(gctx) })
	g.Go(func() error { return m.logStats(gctx) })
	if m.emitter != nil {
		g.Go(func() error { return m.publishStatus(gctx) })
	}

	slog.Info("drowsiness monitor running", "source", m.cfg.Source.Type)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("drowsiness monitor run loop exiting")
	return nil
}

// startMQTT brings up the control plane and dials the broker in the
// background. The broker is optional for safety: monitoring starts at once
// and alarms keep working locally when it is unreachable.
func (m *Monitor) startMQTT(ctx context.Context) {
	m.control = control.NewHandler(m.cfg, m.emitter, control.CommandCallbacks{
		OnGetStatus:  m.getStatus,
		OnResetAlarm: func() error { return m.ManualReset("mqtt") },
		OnShutdown:   m.shutdownViaControl,
		OnCommand: func(name string) {
			// resets are counted by the decision loop for every surface
			if name != control.CmdResetAlarm {
				metrics.ControlCommands.WithLabelValues(m.vehicle, "mqtt", name).Inc()
			}
		},
	})
	if err := m.control.Start(ctx); err != nil {
		slog.Warn("control plane subscription rejected",
			"error", err,
			"action", "retrying on reconnect")
	}

	if err := m.emitter.PublishAvailability(true, true); err != nil {
		slog.Debug("availability not published yet", "error", err)
	}

	if !m.dial {
		return
	}
	go func() {
		if err := m.emitter.Connect(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("mqtt unavailable, alarms continue locally",
				"error", err,
				"action", "client keeps retrying in background")
		}
	}()
}

// Shutdown stops alarms and releases every component. It waits for the
// decision loop to exit first so the engine is never touched concurrently.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	running := m.isRunning
	cancel := m.cancelCtx
	m.mu.RUnlock()

	if running {
		cancel()
		select {
		case <-m.loopDone:
		case <-ctx.Done():
			slog.Error("decision loop did not exit before shutdown timeout")
			return ctx.Err()
		}
	}

	var shutdownErr error
	m.shutdownOnce.Do(func() {
		slog.Info("shutting down drowsiness monitor")

		// 1. Silence alarms before anything else goes away
		m.stopMonitoring("shutdown")

		// 2. Stop the upstream
		if err := m.source.Stop(); err != nil {
			slog.Error("failed to stop observation source", "error", err)
		}

		// 3. Stop control plane
		if m.control != nil {
			if err := m.control.Stop(); err != nil {
				slog.Error("failed to stop control handler", "error", err)
			}
		}

		// 4. Let the player execute the final stop, then release it
		if err := m.dispatcher.Close(); err != nil {
			slog.Error("failed to close audio player", "error", err)
			shutdownErr = err
		}

		m.bus.Close()
		m.flushEvents()

		// 5. Disconnect MQTT
		if m.emitter != nil {
			if err := m.emitter.Disconnect(); err != nil {
				slog.Error("failed to disconnect mqtt", "error", err)
			}
		}

		m.mu.Lock()
		uptime := time.Since(m.started)
		m.isRunning = false
		m.mu.Unlock()

		slog.Info("drowsiness monitor shutdown complete",
			"uptime", uptime,
			"frames", m.framesSeen.Load(),
		)
	})

	return shutdownErr
}

// shutdownViaControl ends Run; main then performs the graceful shutdown
func (m *Monitor) shutdownViaControl() error {
	m.mu.RLock()
	cancel := m.cancelCtx
	m.mu.RUnlock()

	if cancel == nil {
		return ErrNotRunning
	}
	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (m *Monitor) ShutdownTimeout() time.Duration {
	return m.cfg.ShutdownTimeout()
}

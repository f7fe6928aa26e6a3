package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-drowsiness/internal/emitter"
	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/metrics"
	"github.com/e7canasta/orion-drowsiness/internal/source"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// consumeObservations is the decision loop. Observations and manual resets
// are serialized here, so the engine sees a single ordered stream.
func (m *Monitor) consumeObservations(ctx context.Context) error {
	observations := m.source.Observations()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-m.resets:
			m.applyReset(req.surface)
			close(req.done)

		case obs, ok := <-observations:
			if !ok {
				return m.sourceEnded()
			}
			m.handleObservation(obs)
		}
	}
}

// sourceEnded stops monitoring when the observation stream closes. A source
// that gave up after repeated failures is an error; a replay that finished
// is not.
func (m *Monitor) sourceEnded() error {
	err := m.source.Err()
	if err != nil {
		slog.Error("observation source failed",
			"error", err,
			"restarts", m.source.Stats().Restarts,
			"action", "alarms stopped, driver no longer monitored")
		m.stopMonitoring("source_failed")
		return fmt.Errorf("observation source failed: %w", err)
	}

	slog.Info("observation source ended")
	m.stopMonitoring("source_ended")
	return nil
}

func (m *Monitor) handleObservation(obs types.Observation) {
	m.framesSeen.Add(1)

	start := time.Now()
	res := m.engine.Process(obs)
	metrics.ProcessLatency.WithLabelValues(m.vehicle).Observe(time.Since(start).Seconds())

	metrics.FramesTotal.WithLabelValues(m.vehicle, res.Level.String()).Inc()
	metrics.CriticalRun.WithLabelValues(m.vehicle).Set(float64(res.Condition.CriticalRun))
	metrics.FatigueRun.WithLabelValues(m.vehicle).Set(float64(res.Condition.FatigueRun))

	if stats, ok := m.meter.Observe(obs.Timestamp); ok {
		m.rate.Store(&stats)
		m.logRate(stats)
	}

	m.dispatch(res, &obs)
	m.bus.Publish(m.engine.Snapshot())
}

// logRate reports how long the frame thresholds take at the measured rate
func (m *Monitor) logRate(stats source.RateStats) {
	metrics.ObservationFPS.WithLabelValues(m.vehicle).Set(stats.FPSMean)

	cfg := m.engine.Config()
	slog.Info("alarm timing at measured rate",
		"fps", fmt.Sprintf("%.1f", stats.FPSMean),
		"stable", stats.IsStable,
		"high_alarm_after", stats.ImpliedDuration(cfg.CriticalFramesToAlarm),
		"low_alarm_after", stats.ImpliedDuration(cfg.FatigueFramesToAlarm),
		"clear_after", stats.ImpliedDuration(cfg.AwakeFramesToClear),
	)
}

// dispatch forwards engine directives to the player and the event queue.
// obs is nil for directives not caused by a frame.
func (m *Monitor) dispatch(res engine.Result, obs *types.Observation) {
	m.dispatcher.SubmitAll(res.Commands())

	for _, d := range res.Directives {
		metrics.AlarmCommands.WithLabelValues(m.vehicle, d.Command.String(), string(d.Reason)).Inc()

		attrs := []any{
			"command", d.Command.String(),
			"reason", string(d.Reason),
			"level", res.Level.String(),
			"critical_run", res.Condition.CriticalRun,
			"fatigue_run", res.Condition.FatigueRun,
			"alert_run", res.Condition.AlertRun,
		}
		switch d.Command {
		case types.CommandStartHigh:
			slog.Warn("drowsiness alarm", attrs...)
		case types.CommandStartLow:
			slog.Warn("fatigue alarm", attrs...)
		default:
			slog.Info("alarm stopped", attrs...)
		}

		m.enqueueEvent(m.newEvent(d, res, obs))
	}

	if len(res.Directives) > 0 {
		st := m.engine.AlarmState()
		metrics.AlarmActive.WithLabelValues(m.vehicle, string(types.SeverityHigh)).Set(boolGauge(st.HighActive))
		metrics.AlarmActive.WithLabelValues(m.vehicle, string(types.SeverityLow)).Set(boolGauge(st.LowActive))
	}
}

func (m *Monitor) newEvent(d engine.Directive, res engine.Result, obs *types.Observation) types.AlarmEvent {
	ev := types.AlarmEvent{
		ID:         uuid.NewString(),
		SessionID:  m.sessionID,
		InstanceID: m.cfg.InstanceID,
		VehicleID:  m.cfg.VehicleID,
		Command:    d.Command,
		Reason:     string(d.Reason),
		Level:      res.Level,
		Condition:  res.Condition,
		Timestamp:  m.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if obs != nil {
		ev.FrameSeq = obs.Seq
		ev.TraceID = obs.TraceID
		if obs.HasEAR() {
			ev.EAR = types.EARPtr(types.RoundEAR(obs.EARValue()))
		}
	}
	return ev
}

// enqueueEvent never blocks the decision loop. Events are dropped when MQTT
// is not configured or the queue is full.
func (m *Monitor) enqueueEvent(ev types.AlarmEvent) {
	if m.emitter == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
		slog.Warn("alarm event queue full, dropping event",
			"command", ev.Command.String(),
			"reason", ev.Reason)
	}
}

// stopMonitoring silences any active alarm and announces that the driver is
// no longer monitored. Calls after the first are no-ops.
func (m *Monitor) stopMonitoring(reason string) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}

	res := m.engine.Shutdown()
	m.dispatch(res, nil)

	snap := m.engine.Snapshot()
	m.bus.Publish(snap)
	metrics.Monitoring.WithLabelValues(m.vehicle).Set(0)

	if m.emitter != nil {
		status := emitter.NewStatus(m.cfg, m.sessionID, snap, m.clock.Now())
		if err := m.emitter.PublishStatus(status, true); err != nil {
			slog.Debug("final status not published", "error", err)
		}
		if err := m.emitter.PublishAvailability(true, false); err != nil {
			slog.Debug("availability not published", "error", err)
		}
	}

	slog.Warn("no longer monitoring driver", "reason", reason)
}

// publishEvents drains the alarm event queue to MQTT
func (m *Monitor) publishEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.publishEvent(ev)
		}
	}
}

// flushEvents publishes events queued after the publisher exited
func (m *Monitor) flushEvents() {
	for {
		select {
		case ev := <-m.events:
			m.publishEvent(ev)
		default:
			return
		}
	}
}

func (m *Monitor) publishEvent(ev types.AlarmEvent) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.PublishAlarm(ev); err != nil {
		slog.Warn("failed to publish alarm event",
			"command", ev.Command.String(),
			"reason", ev.Reason,
			"error", err)
	}
}

// publishStatus mirrors snapshots to the status topic. Transitions of
// monitoring or alarm state bypass the rate limit.
func (m *Monitor) publishStatus(ctx context.Context) error {
	next := m.bus.Subscribe(statusSubscriber)
	go func() {
		<-ctx.Done()
		m.bus.Unsubscribe(statusSubscriber)
	}()

	var last types.Snapshot
	first := true
	for {
		snap, ok := next()
		if !ok {
			return nil
		}

		force := first ||
			snap.Monitoring != last.Monitoring ||
			snap.HighActive != last.HighActive ||
			snap.LowActive != last.LowActive
		first = false
		last = snap

		status := emitter.NewStatus(m.cfg, m.sessionID, snap, m.clock.Now())
		err := m.emitter.PublishStatus(status, force)
		if err != nil && !errors.Is(err, emitter.ErrThrottled) && !errors.Is(err, emitter.ErrNotConnected) {
			slog.Debug("status not published", "error", err)
		}
	}
}

// logStats periodically exports source counters
func (m *Monitor) logStats(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := m.source.Stats()
			metrics.SourceRestarts.WithLabelValues(m.vehicle).Set(float64(st.Restarts))
			metrics.SourceMalformed.WithLabelValues(m.vehicle).Set(float64(st.Malformed))

			slog.Debug("monitor stats",
				"frames", m.framesSeen.Load(),
				"delivered", st.Delivered,
				"malformed", st.Malformed,
				"restarts", st.Restarts,
				"audio", m.dispatcher.Stats(),
				"bus_published", m.bus.Stats().Published,
			)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

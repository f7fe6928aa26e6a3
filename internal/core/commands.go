package core

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/control"
	"github.com/e7canasta/orion-drowsiness/internal/metrics"
)

const resetTimeout = 2 * time.Second

// ManualReset zeroes all runs and stops any alarm. It is safe to call from
// any goroutine: the request is executed by the decision loop between two
// observations. surface names the caller for logs and metrics.
func (m *Monitor) ManualReset(surface string) error {
	m.mu.RLock()
	running := m.isRunning
	m.mu.RUnlock()
	if !running || m.stopped.Load() {
		return ErrNotRunning
	}

	req := resetRequest{surface: surface, done: make(chan struct{})}

	timer := time.NewTimer(resetTimeout)
	defer timer.Stop()

	select {
	case m.resets <- req:
	case <-m.loopDone:
		return ErrNotRunning
	case <-timer.C:
		return fmt.Errorf("manual reset not accepted within %s", resetTimeout)
	}

	select {
	case <-req.done:
		return nil
	case <-m.loopDone:
		return ErrNotRunning
	case <-timer.C:
		return fmt.Errorf("manual reset not applied within %s", resetTimeout)
	}
}

// applyReset runs on the decision loop
func (m *Monitor) applyReset(surface string) {
	res := m.engine.ManualReset()
	metrics.ControlCommands.WithLabelValues(m.vehicle, surface, control.CmdResetAlarm).Inc()

	m.dispatch(res, nil)
	m.bus.Publish(m.engine.Snapshot())

	slog.Info("counters reset manually & alarm stopped", "surface", surface)
}

// getStatus answers the get_status control command
func (m *Monitor) getStatus() map[string]any {
	snap := m.engine.Snapshot()
	h := m.Health()

	status := map[string]any{
		"instance_id":    m.cfg.InstanceID,
		"vehicle_id":     m.cfg.VehicleID,
		"session_id":     m.sessionID,
		"monitoring":     snap.Monitoring,
		"level":          snap.Level.String(),
		"severity":       string(snap.Severity()),
		"status_text":    snap.StatusText(),
		"progress_text":  snap.ProgressText(),
		"critical_run":   snap.Condition.CriticalRun,
		"fatigue_run":    snap.Condition.FatigueRun,
		"alert_run":      snap.Condition.AlertRun,
		"frames_seen":    h.FramesSeen,
		"uptime_seconds": h.UptimeSeconds,
		"source_running": h.SourceRunning,
		"audio_failures": h.AudioFailures,
	}
	if snap.EAR != nil {
		status["ear"] = *snap.EAR
	}
	if stats := m.rate.Load(); stats != nil {
		status["fps"] = stats.FPSMean
		status["fps_stable"] = stats.IsStable
	}
	return status
}

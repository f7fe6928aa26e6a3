package core

import (
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/server"
)

// Health reports component status for the HTTP probes. The monitor is
// unhealthy once it stops watching the driver, and degraded while MQTT is
// configured but disconnected or audio has failed.
func (m *Monitor) Health() server.Health {
	m.mu.RLock()
	running := m.isRunning
	started := m.started
	m.mu.RUnlock()

	monitoring := m.live.Load() && !m.stopped.Load()
	h := server.Health{
		Monitoring:    monitoring,
		SourceRunning: m.source.Stats().Running,
		MQTTEnabled:   m.emitter != nil,
		AudioEnabled:  m.cfg.AudioEnabled(),
		AudioFailures: m.audioFailures.Load(),
		FramesSeen:    m.framesSeen.Load(),
		SessionID:     m.sessionID,
	}
	if running {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if m.emitter != nil {
		h.MQTTConnected = m.emitter.Stats().Connected
	}

	switch {
	case !monitoring:
		h.Status = "unhealthy"
	case h.MQTTEnabled && !h.MQTTConnected, h.AudioFailures > 0:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// Package server exposes health probes, Prometheus metrics and a live
// websocket feed of driver state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-drowsiness/internal/snapshot"
)

// Health represents the health state of the monitor
type Health struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	Monitoring    bool   `json:"monitoring"`
	SourceRunning bool   `json:"source_running"`
	MQTTConnected bool   `json:"mqtt_connected"`
	MQTTEnabled   bool   `json:"mqtt_enabled"`
	AudioEnabled  bool   `json:"audio_enabled"`
	AudioFailures uint64 `json:"audio_failures"`
	FramesSeen    uint64 `json:"frames_seen"`
	SessionID     string `json:"session_id"`
}

// Backend is the part of the monitor the HTTP surface needs
type Backend interface {
	Health() Health
	ManualReset(surface string) error
}

// Server serves /health, /readiness, /metrics and /ws
type Server struct {
	backend Backend
	bus     *snapshot.Bus
	started time.Time
	http    *http.Server
}

// New creates a server listening on port once Start is called
func New(port string, backend Backend, bus *snapshot.Bus) *Server {
	s := &Server{
		backend: backend,
		bus:     bus,
		started: time.Now(),
	}

	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves in a goroutine and returns immediately
func (s *Server) Start() {
	slog.Info("starting http server",
		"addr", s.http.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/ws"},
	)

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for handlers
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// livenessHandler returns 200 while the process is alive
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readinessHandler returns 503 once the driver is no longer monitored
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.backend.Health()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision loop, audio and source collectors, partitioned by vehicle.

var (
	// Engine
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drowsy",
		Subsystem: "engine",
		Name:      "frames_total",
		Help:      "Observations processed, by classified level",
	}, []string{"vehicle", "level"})

	CriticalRun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "engine",
		Name:      "critical_run_frames",
		Help:      "Current consecutive critical frame count",
	}, []string{"vehicle"})

	FatigueRun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "engine",
		Name:      "fatigue_run_frames",
		Help:      "Current consecutive fatigue frame count",
	}, []string{"vehicle"})

	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drowsy",
		Subsystem: "engine",
		Name:      "process_duration_seconds",
		Help:      "Time spent deciding on one observation",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}, []string{"vehicle"})

	// Alarms
	AlarmCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drowsy",
		Subsystem: "alarm",
		Name:      "commands_total",
		Help:      "Alarm commands emitted, by command and reason",
	}, []string{"vehicle", "command", "reason"})

	AlarmActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "alarm",
		Name:      "active",
		Help:      "1 while the alarm of this severity is sounding",
	}, []string{"vehicle", "severity"})

	// Audio
	AudioErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drowsy",
		Subsystem: "audio",
		Name:      "errors_total",
		Help:      "Playback failures, by class",
	}, []string{"vehicle", "class"})

	// Source
	SourceRestarts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "source",
		Name:      "restarts",
		Help:      "Landmark process restarts since startup",
	}, []string{"vehicle"})

	SourceMalformed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "source",
		Name:      "malformed_messages",
		Help:      "Malformed upstream messages skipped since startup",
	}, []string{"vehicle"})

	ObservationFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "source",
		Name:      "observation_fps",
		Help:      "Observation rate measured during warm-up",
	}, []string{"vehicle"})

	Monitoring = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drowsy",
		Subsystem: "monitor",
		Name:      "monitoring",
		Help:      "1 while the driver is being monitored",
	}, []string{"vehicle"})

	// Control
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drowsy",
		Subsystem: "control",
		Name:      "commands_total",
		Help:      "Control commands received, by surface and command",
	}, []string{"vehicle", "surface", "command"})
)

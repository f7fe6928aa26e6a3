package source

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// RateStats describes the observation rate measured over a warm-up window
type RateStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	IsStable       bool
}

// ImpliedDuration converts a frame count into wall-clock time at the measured
// rate. Frame thresholds are counted in frames, so their real duration
// depends on the camera.
func (s RateStats) ImpliedDuration(frames int) time.Duration {
	if s.FPSMean <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / s.FPSMean * float64(time.Second))
}

// RateMeter passively measures observation FPS from frame timestamps. It
// never holds frames back; callers feed it from the decision loop.
type RateMeter struct {
	window time.Duration
	times  []time.Time
	stats  *RateStats
}

// NewRateMeter creates a meter that reports after window has elapsed
func NewRateMeter(window time.Duration) *RateMeter {
	return &RateMeter{
		window: window,
		times:  make([]time.Time, 0, 128),
	}
}

// Observe records a frame timestamp. It returns the stats exactly once,
// on the first frame past the warm-up window.
func (m *RateMeter) Observe(ts time.Time) (RateStats, bool) {
	if m.stats != nil {
		return RateStats{}, false
	}

	m.times = append(m.times, ts)
	elapsed := ts.Sub(m.times[0])
	if elapsed < m.window || len(m.times) < 2 {
		return RateStats{}, false
	}

	stats := calculateFPSStats(m.times, elapsed)
	m.stats = &stats
	m.times = nil

	slog.Info("observation rate measured",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"stable", stats.IsStable,
	)
	if !stats.IsStable {
		slog.Warn("observation rate is unstable, alarm latency will vary",
			"fps_stddev", stats.FPSStdDev,
		)
	}

	return stats, true
}

// Result returns the measurement once available
func (m *RateMeter) Result() (RateStats, bool) {
	if m.stats == nil {
		return RateStats{}, false
	}
	return *m.stats, true
}

// calculateFPSStats derives FPS statistics from frame timestamps. The
// stream counts as stable when the stddev stays under 15% of the mean.
func calculateFPSStats(frameTimes []time.Time, total time.Duration) RateStats {
	n := len(frameTimes)
	// n timestamps span n-1 intervals
	fpsMean := float64(n-1) / total.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	if len(instantaneous) == 0 {
		return RateStats{FramesReceived: n, Duration: total, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	return RateStats{
		FramesReceived: n,
		Duration:       total,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		IsStable:       fpsStdDev < fpsMean*0.15,
	}
}

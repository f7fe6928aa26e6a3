package core

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/source"
)

// newSource builds the configured observation source
func newSource(cfg *config.Config, clock engine.Clock) (source.Source, error) {
	switch cfg.Source.Type {
	case config.SourceLandmark:
		lm := cfg.Source.Landmark
		return source.NewLandmark(source.LandmarkConfig{
			Command:   lm.Command,
			Args:      lm.Args,
			CameraID:  lm.CameraID,
			Predictor: lm.Predictor,
			Width:     lm.Width,
			Height:    lm.Height,
			FPS:       lm.FPS,
			Restart: source.RestartConfig{
				MaxRetries:    maxRestarts(cfg),
				RetryDelay:    time.Duration(cfg.Source.RetryDelay),
				MaxRetryDelay: time.Duration(cfg.Source.MaxRetryDelay),
			},
			Clock: clock,
		})

	case config.SourceReplay:
		rp := cfg.Source.Replay
		return source.NewReplay(source.ReplayConfig{
			Path:  rp.Path,
			FPS:   rp.FPS,
			Loop:  rp.Loop,
			Clock: clock,
		})

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func maxRestarts(cfg *config.Config) int {
	if cfg.Source.MaxRestarts == nil {
		return source.DefaultRestartConfig().MaxRetries
	}
	return *cfg.Source.MaxRestarts
}

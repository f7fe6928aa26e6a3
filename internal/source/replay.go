package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// ReplayConfig configures a recorded observation source
type ReplayConfig struct {
	Path  string
	FPS   float64 // 0 replays as fast as the consumer reads
	Loop  bool
	Clock engine.Clock
}

// replayLine is one recorded frame, e.g. {"face":true,"ear":0.21}
type replayLine struct {
	Face bool     `json:"face"`
	EAR  *float64 `json:"ear"`
}

// Replay plays back a JSON-lines recording at a fixed frame rate. Blank lines
// and lines starting with '#' are ignored; malformed lines are skipped.
type Replay struct {
	cfg   ReplayConfig
	clock engine.Clock

	out  chan types.Observation
	done chan struct{}

	cancel  context.CancelFunc
	started atomic.Bool
	running atomic.Bool

	mu  sync.Mutex
	err error

	seq        uint64
	delivered  atomic.Uint64
	malformed  atomic.Uint64
	lastSeenAt atomic.Value // time.Time
}

// NewReplay creates a replay source. The recording is opened on Start.
func NewReplay(cfg ReplayConfig) (*Replay, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("replay fps must be >= 0, got %.2f", cfg.FPS)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	return &Replay{
		cfg:   cfg,
		clock: clock,
		out:   make(chan types.Observation, 16),
		done:  make(chan struct{}),
	}, nil
}

// Start opens the recording and begins playback
func (r *Replay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Fail fast on a missing file rather than surfacing it through Err.
	if _, err := os.Stat(r.cfg.Path); err != nil {
		close(r.out)
		close(r.done)
		return fmt.Errorf("failed to open replay: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)

	slog.Info("replay source starting",
		"path", r.cfg.Path,
		"fps", r.cfg.FPS,
		"loop", r.cfg.Loop,
	)

	r.running.Store(true)
	go r.run(ctx)
	return nil
}

func (r *Replay) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.out)
	defer r.running.Store(false)

	var tick <-chan time.Time
	if r.cfg.FPS > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / r.cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		played, err := r.playOnce(ctx, tick)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.setErr(err)
				slog.Error("replay failed", "path", r.cfg.Path, "error", err)
			}
			return
		}

		if !r.cfg.Loop {
			slog.Info("replay finished", "path", r.cfg.Path, "frames", played)
			return
		}
		if played == 0 {
			r.setErr(fmt.Errorf("replay %s contains no frames", r.cfg.Path))
			return
		}
	}
}

func (r *Replay) playOnce(ctx context.Context, tick <-chan time.Time) (uint64, error) {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()

	var played uint64
	lineNo := 0
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var line replayLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			r.malformed.Add(1)
			slog.Warn("skipping malformed replay line", "line", lineNo, "error", err)
			continue
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return played, ctx.Err()
			}
		}

		obs := r.observation(line)
		select {
		case r.out <- obs:
			played++
			r.delivered.Add(1)
			r.lastSeenAt.Store(obs.Timestamp)
		case <-ctx.Done():
			return played, ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return played, fmt.Errorf("failed to read replay: %w", err)
	}
	return played, nil
}

func (r *Replay) observation(line replayLine) types.Observation {
	r.seq++
	obs := types.Observation{
		Seq:         r.seq,
		Timestamp:   r.clock.Now(),
		FacePresent: line.Face,
		TraceID:     uuid.New().String(),
	}
	if line.Face && line.EAR != nil && !math.IsNaN(*line.EAR) {
		obs.EAR = types.EARPtr(*line.EAR)
	}
	return obs
}

func (r *Replay) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Observations returns the ordered observation stream
func (r *Replay) Observations() <-chan types.Observation {
	return r.out
}

// Err returns the playback failure, if any, once Observations is closed
func (r *Replay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop ends playback
func (r *Replay) Stop() error {
	if !r.started.Load() || r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return nil
}

// Stats returns playback counters
func (r *Replay) Stats() Stats {
	var lastSeen time.Time
	if v := r.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return Stats{
		Delivered:  r.delivered.Load(),
		Malformed:  r.malformed.Load(),
		Running:    r.running.Load(),
		LastSeenAt: lastSeen,
	}
}

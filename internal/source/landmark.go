package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// maxMessageSize bounds a single landmark message. Anything larger means the
// stream lost framing and cannot be resynchronised.
const maxMessageSize = 64 * 1024

var errFraming = errors.New("landmark stream lost framing")

// LandmarkConfig configures the landmark subprocess
type LandmarkConfig struct {
	Command   string
	Args      []string
	Env       []string // extra KEY=VALUE pairs appended to the parent environment
	CameraID  int
	Predictor string
	Width     int
	Height    int
	FPS       int
	Restart   RestartConfig
	Clock     engine.Clock
}

// landmarkMessage is one frame reported by the landmark process. Only the
// first detected face is reported.
type landmarkMessage struct {
	Face bool     `msgpack:"face"`
	EAR  *float64 `msgpack:"ear"`
	Seq  uint64   `msgpack:"seq"`
	TS   string   `msgpack:"ts"`
}

// Landmark supervises an external landmark extractor. The process writes
// 4-byte big-endian length-prefixed msgpack messages to stdout and log lines
// to stderr. Crashes are restarted with exponential backoff.
type Landmark struct {
	cfg   LandmarkConfig
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
	restart    RestartState
}

// NewLandmark creates a landmark source. It does not spawn anything until Start.
func NewLandmark(cfg LandmarkConfig) (*Landmark, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("landmark command is required")
	}
	if cfg.Restart == (RestartConfig{}) {
		cfg.Restart = DefaultRestartConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	return &Landmark{
		cfg:   cfg,
		clock: clock,
		out:   make(chan types.Observation, 16),
		done:  make(chan struct{}),
	}, nil
}

// Start launches the supervision goroutine
func (l *Landmark) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, l.cancel = context.WithCancel(ctx)

	slog.Info("landmark source starting",
		"command", l.cfg.Command,
		"camera_id", l.cfg.CameraID,
		"max_retries", l.cfg.Restart.MaxRetries,
	)

	go l.supervise(ctx)
	return nil
}

func (l *Landmark) supervise(ctx context.Context) {
	defer close(l.done)
	defer close(l.out)

	err := RunWithRestart(ctx, "landmark", l.session, l.cfg.Restart, &l.restart)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		slog.Error("landmark source gave up", "error", err)
	}
}

// session runs the landmark process once and streams its output until it exits
func (l *Landmark) session(ctx context.Context) (uint64, error) {
	cmd := exec.CommandContext(ctx, l.cfg.Command, l.args()...)
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		stderrW.Close()
		return 0, fmt.Errorf("failed to start landmark process: %w", err)
	}

	pid := cmd.Process.Pid
	slog.Info("landmark process spawned", "pid", pid)
	l.running.Store(true)
	defer l.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logStderr(stderrR, pid)
	}()

	delivered, readErr := l.readMessages(ctx, stdout)
	if readErr != nil {
		// The process may still be alive after a framing error.
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	stderrW.Close()
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		slog.Debug("landmark process exited (shutdown)", "pid", pid)
		return delivered, ctx.Err()
	case readErr != nil:
		return delivered, readErr
	case waitErr != nil:
		return delivered, fmt.Errorf("landmark process exited unexpectedly: %w", waitErr)
	default:
		slog.Warn("landmark process exited cleanly while still needed", "pid", pid)
		return delivered, fmt.Errorf("landmark process ended its stream")
	}
}

// readMessages decodes frames until EOF. Malformed payloads are skipped;
// broken framing aborts the session.
func (l *Landmark) readMessages(ctx context.Context, r io.Reader) (uint64, error) {
	var delivered uint64
	br := bufio.NewReader(r)
	lengthBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(br, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("failed to read length prefix: %w", err)
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		if msgLength == 0 || msgLength > maxMessageSize {
			return delivered, fmt.Errorf("%w: message length %d", errFraming, msgLength)
		}

		payload := make([]byte, msgLength)
		if _, err := io.ReadFull(br, payload); err != nil {
			return delivered, fmt.Errorf("failed to read landmark message: %w", err)
		}

		var msg landmarkMessage
		if err := msgpack.Unmarshal(payload, &msg); err != nil {
			l.malformed.Add(1)
			slog.Warn("skipping malformed landmark message",
				"error", err,
				"data_length", msgLength,
			)
			continue
		}

		obs := l.observation(msg)
		select {
		case l.out <- obs:
			delivered++
			l.delivered.Add(1)
			l.lastSeenAt.Store(obs.Timestamp)
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

func (l *Landmark) observation(msg landmarkMessage) types.Observation {
	l.seq++
	obs := types.Observation{
		Seq:         l.seq,
		Timestamp:   l.clock.Now(),
		FacePresent: msg.Face,
		TraceID:     uuid.New().String(),
	}
	if msg.Face && msg.EAR != nil && !math.IsNaN(*msg.EAR) {
		obs.EAR = types.EARPtr(*msg.EAR)
	}
	return obs
}

func (l *Landmark) args() []string {
	args := append([]string(nil), l.cfg.Args...)
	args = append(args, "--camera", strconv.Itoa(l.cfg.CameraID))
	if l.cfg.Predictor != "" {
		args = append(args, "--predictor", l.cfg.Predictor)
	}
	if l.cfg.Width > 0 && l.cfg.Height > 0 {
		args = append(args, "--width", strconv.Itoa(l.cfg.Width), "--height", strconv.Itoa(l.cfg.Height))
	}
	if l.cfg.FPS > 0 {
		args = append(args, "--fps", strconv.Itoa(l.cfg.FPS))
	}
	return args
}

// Observations returns the ordered observation stream
func (l *Landmark) Observations() <-chan types.Observation {
	return l.out
}

// Err returns the persistent failure, if any, once Observations is closed
func (l *Landmark) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stop cancels supervision and kills the landmark process
func (l *Landmark) Stop() error {
	if !l.started.Load() {
		return nil
	}
	l.cancel()

	select {
	case <-l.done:
	case <-time.After(3 * time.Second):
		return fmt.Errorf("landmark source did not stop within 3s")
	}

	slog.Info("landmark source stopped",
		"delivered", l.delivered.Load(),
		"malformed", l.malformed.Load(),
		"restarts", l.restart.Restarts.Load(),
	)
	return nil
}

// Stats returns source health counters
func (l *Landmark) Stats() Stats {
	var lastSeen time.Time
	if v := l.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return Stats{
		Delivered:  l.delivered.Load(),
		Malformed:  l.malformed.Load(),
		Restarts:   l.restart.Restarts.Load(),
		Running:    l.running.Load(),
		LastSeenAt: lastSeen,
	}
}

// logStderr maps the extractor's log levels onto slog
func logStderr(r io.Reader, pid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("landmark process error", "pid", pid, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("landmark process warning", "pid", pid, "log", line)
		default:
			slog.Debug("landmark process log", "pid", pid, "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug("stderr reader stopped", "pid", pid, "error", err)
		// keep the writer side unblocked
		_, _ = io.Copy(io.Discard, r)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RestartConfig controls exponential backoff between upstream sessions
type RestartConfig struct {
	MaxRetries    int           // consecutive failures tolerated (default: 5)
	RetryDelay    time.Duration // initial delay (default: 1s)
	MaxRetryDelay time.Duration // delay cap (default: 30s)
}

// DefaultRestartConfig returns the stock backoff schedule
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// RestartState tracks consecutive failures and total restarts
type RestartState struct {
	CurrentRetries int
	Restarts       atomic.Uint32
}

// SessionFunc runs one upstream session until it ends. delivered reports how
// many observations the session produced; a session that delivered anything
// resets the consecutive failure counter. A nil error ends supervision.
type SessionFunc func(ctx context.Context) (delivered uint64, err error)

// RunWithRestart runs sessions back to back, sleeping with exponential backoff
// after each failure, until a session returns nil, ctx is cancelled, or
// MaxRetries consecutive sessions fail without delivering an observation.
func RunWithRestart(ctx context.Context, name string, session SessionFunc, cfg RestartConfig, state *RestartState) error {
	log := slog.With("component", "source", "source", name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered, err := session(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			log.Debug("session ended by shutdown", "error", err)
			return ctx.Err()
		}

		if delivered > 0 {
			state.CurrentRetries = 0
		}
		state.CurrentRetries++

		log.Error("session failed",
			"error", err,
			"delivered", delivered,
			"attempt", state.CurrentRetries,
		)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrSourceExhausted, cfg.MaxRetries, err)
		}

		state.Restarts.Add(1)
		delay := calculateBackoff(state.CurrentRetries, cfg)

		log.Warn("restarting session",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}

	return delay
}

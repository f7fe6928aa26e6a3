package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/e7canasta/orion-drowsiness/internal/audio"
	"github.com/e7canasta/orion-drowsiness/internal/audio/gstplayer"
	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/core"
	"github.com/e7canasta/orion-drowsiness/internal/server"
)

const defaultConfigPath = "config/drowsyd.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting drowsiness monitor",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// The player reports asynchronous failures through the monitor, which
	// does not exist yet when the player is built.
	var current atomic.Pointer[core.Monitor]
	player := newPlayer(cfg, func(err error) {
		if m := current.Load(); m != nil {
			m.ReportAudioError(err)
		}
	})

	monitor, err := core.NewMonitor(cfg, core.Deps{Player: player})
	if err != nil {
		slog.Error("failed to create monitor", "error", err)
		os.Exit(1)
	}
	current.Store(monitor)

	// Start HTTP server (non-blocking)
	var srv *server.Server
	if cfg.Server.Port != "-" {
		srv = server.New(cfg.Server.Port, monitor, monitor.Snapshots())
		srv.Start()
	}

	// SIGUSR1 is the local manual reset
	resetChan := make(chan os.Signal, 1)
	signal.Notify(resetChan, syscall.SIGUSR1)
	go func() {
		for range resetChan {
			if err := monitor.ManualReset("signal"); err != nil {
				slog.Warn("manual reset failed", "error", err)
			}
		}
	}()

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- monitor.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("monitor error", "error", runErr)
		} else {
			slog.Info("monitor stopped (source ended or shutdown command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := monitor.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := monitor.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("drowsiness monitor stopped successfully")
}

// newPlayer opens the audio device. Monitoring continues without sound when
// audio is disabled or the device cannot be opened.
func newPlayer(cfg *config.Config, onError func(error)) audio.Player {
	if !cfg.AudioEnabled() {
		slog.Info("audio disabled, alarms will be silent")
		return audio.NullPlayer{}
	}

	player, err := gstplayer.New(onError)
	if err != nil {
		slog.Error("audio device unavailable",
			"error", err,
			"class", audio.Classify(err).String(),
			"action", "continuing without sound")
		return audio.NullPlayer{}
	}
	return player
}

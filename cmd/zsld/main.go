// Command zsld runs the zero-shutter-lag correlation engine as a daemon:
// a capture source (simulated or RTSP) feeds the engine, a trigger loop
// periodically reprocesses the oldest matched pair, and telemetry goes to
// MQTT when a broker is configured.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/magicxavi/zslproc/internal/config"
)

const defaultConfigPath = "config/zsld.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	shotInterval := flag.Duration("shot-interval", 15*time.Second, "Interval between demo reprocess captures (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	setupLogger(cfg.LogFormat, *debug)

	runID := uuid.New().String()[:8]
	slog.Info("zsld: starting",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"run_id", runID,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := newService(cfg, *shotInterval)
	if err != nil {
		slog.Error("zsld: failed to build service", "error", err)
		os.Exit(1)
	}

	if err := svc.start(ctx); err != nil {
		slog.Error("zsld: failed to start service", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("zsld: received shutdown signal", "signal", sig)
		cancel()
		<-errChan // supervised loops wind down before teardown
	case err := <-errChan:
		if err != nil {
			slog.Error("zsld: service error", "error", err)
		}
		cancel()
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("zsld: shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.shutdown(shutdownCtx); err != nil {
		slog.Error("zsld: shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("zsld: stopped", "run_id", runID)
}

// setupLogger installs the global handler selected by configuration.
func setupLogger(format string, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

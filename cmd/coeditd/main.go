package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coeditd/coeditd/internal/server"
	"github.com/coeditd/coeditd/pkg/config"
	"github.com/coeditd/coeditd/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Log.Format == "json" {
		logger = logging.NewJSON(logging.ParseLevel(cfg.Log.Level))
	} else {
		logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}

	// Background sweep: expired sessions and stale locks self-heal lazily on
	// read, the sweeper just keeps the tables from accumulating dead rows.
	go func() {
		ticker := time.NewTicker(cfg.Sweep.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				sessions, locks := app.Sweep(sweepCtx)
				cancel()
				if sessions > 0 || locks > 0 {
					logger.Info("Sweep completed",
						slog.Int("sessionsExpired", sessions), slog.Int("locksEnded", locks))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

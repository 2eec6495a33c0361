// Package app provides the top-level application lifecycle for the fill
// worker. It wires dependencies for the selected mode and runs the mode's
// loops until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/config"
)

// IngestOptions selects the batch source for the ingest and run modes.
type IngestOptions struct {
	// File is a local JSON or NDJSON batch file.
	File string
	// S3Prefix lists batch objects to load. Empty uses ingest.s3_prefix.
	S3Prefix string
	// Watch re-scans S3Prefix every interval instead of loading once.
	Watch time.Duration
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies for mode and runs it until ctx is cancelled or
// a one-shot mode completes.
func (a *App) Run(ctx context.Context, mode string, opts IngestOptions) error {
	mode = strings.ToLower(mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("queue_backend", a.cfg.Queue.Backend),
		slog.String("schedule_backend", a.cfg.Schedule.Backend),
	)

	if a.cfg.Queue.Backend == "memory" && (mode == "ingest" || mode == "consume") {
		return fmt.Errorf("app: the memory queue only delivers within one process; use run mode for %q", mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, mode, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "consume":
		return a.ConsumeMode(ctx, deps)
	case "ingest":
		return a.IngestMode(ctx, deps, opts)
	case "run":
		return a.RunMode(ctx, deps, opts)
	case "migrate":
		a.logger.InfoContext(ctx, "migrations applied")
		return nil
	default:
		return fmt.Errorf("app: unsupported mode %q", mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

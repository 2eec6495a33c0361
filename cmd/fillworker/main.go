// Command fillworker ingests fill batches and indexes app attributions. It
// loads configuration, validates it, wires dependencies for the chosen
// command, and runs until the command completes or a signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/fillindexer/internal/app"
	"github.com/alanyoungcy/fillindexer/internal/config"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "fillworker",
		Usage:   "Fill ingestion and app attribution indexing worker",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a TOML config file; empty uses defaults and FILLWORKER_* env",
				EnvVars: []string{"FILLWORKER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log_level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			consumeCommand(),
			ingestCommand(),
			runCommand(),
			migrateCommand(),
			configCommand(),
		},
	}
}

// loadConfig reads and validates the configuration named by the global
// flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", c.String("config"), err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// runMode runs the application in mode until it finishes or SIGINT/SIGTERM.
func runMode(c *cli.Context, mode string, opts app.IngestOptions) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("fillworker starting",
		slog.String("mode", mode),
		slog.String("version", version),
		slog.String("config", c.String("config")),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, mode, opts); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("fillworker stopped")
	return nil
}

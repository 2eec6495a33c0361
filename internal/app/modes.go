package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/pipeline"
	"github.com/alanyoungcy/fillindexer/internal/queue"
	"github.com/alanyoungcy/fillindexer/internal/server"
)

// ConsumeMode runs the job router with the attribution aggregator and the
// ops server.
func (a *App) ConsumeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting consume mode")

	loops := append(a.consumeLoops(deps), a.serverLoops(deps)...)
	return pipeline.NewOrchestrator(a.logger, loops...).Run(ctx)
}

// IngestMode loads fill batches from a file or an S3 prefix. Without a watch
// interval it loads once and returns.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies, opts IngestOptions) error {
	a.logger.InfoContext(ctx, "starting ingest mode",
		slog.String("file", opts.File),
		slog.String("s3_prefix", opts.S3Prefix),
		slog.Duration("watch", opts.Watch),
	)

	loader := a.batchLoader(deps)

	if opts.Watch <= 0 {
		if err := a.primeCaches(ctx, deps); err != nil {
			return err
		}
		n, err := a.loadOnce(ctx, deps, loader, opts)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "ingest finished", slog.Int("fills", n))
		return nil
	}

	loops := append(a.ingestLoops(deps, loader, opts), a.serverLoops(deps)...)
	return pipeline.NewOrchestrator(a.logger, loops...).Run(ctx)
}

// RunMode watches the batch source and consumes attribution jobs in one
// process. It is the only mode where the memory queue delivers end to end.
func (a *App) RunMode(ctx context.Context, deps *Dependencies, opts IngestOptions) error {
	a.logger.InfoContext(ctx, "starting run mode")
	if opts.Watch <= 0 {
		opts.Watch = time.Minute
	}

	loader := a.batchLoader(deps)
	loops := a.ingestLoops(deps, loader, opts)
	loops = append(loops, a.consumeLoops(deps)...)
	loops = append(loops, a.serverLoops(deps)...)
	return pipeline.NewOrchestrator(a.logger, loops...).Run(ctx)
}

func (a *App) consumeLoops(deps *Dependencies) []pipeline.Loop {
	router := queue.NewRouter(deps.Source, deps.Metrics, a.logger)
	router.Register(deps.Aggregator)
	return []pipeline.Loop{{Name: "job_router", Run: router.Run}}
}

func (a *App) serverLoops(deps *Dependencies) []pipeline.Loop {
	if !a.cfg.Server.Enabled {
		return nil
	}
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		ShutdownTimeout: a.cfg.Ingest.ShutdownGracePeriod.Duration,
	}, deps.Probes, deps.Metrics, deps.Registry, a.logger)
	return []pipeline.Loop{{Name: "ops_server", Run: srv.Run}}
}

func (a *App) ingestLoops(deps *Dependencies, loader *pipeline.BatchLoader, opts IngestOptions) []pipeline.Loop {
	loops := []pipeline.Loop{
		{Name: "app_registry", Run: func(ctx context.Context) error {
			return deps.RegistryLoader.RunLoop(ctx, a.cfg.Ingest.RegistryRefresh.Duration)
		}},
		{Name: "token_cache", Run: func(ctx context.Context) error {
			return deps.TokenCache.RunLoop(ctx, a.cfg.Ingest.TokenRefresh.Duration)
		}},
		{Name: "batch_watch", Run: func(ctx context.Context) error {
			return a.watch(ctx, deps, loader, opts)
		}},
	}
	if deps.MemoryCoalescer != nil {
		loops = append(loops, pipeline.Loop{Name: "coalescer_cleanup", Run: func(ctx context.Context) error {
			return deps.MemoryCoalescer.RunCleanup(ctx, a.cfg.Schedule.CleanupInterval.Duration)
		}})
	}
	return loops
}

// watch loads the batch source every opts.Watch. A failed scan is logged and
// retried on the next tick; the failing object stays in place.
func (a *App) watch(ctx context.Context, deps *Dependencies, loader *pipeline.BatchLoader, opts IngestOptions) error {
	if opts.File != "" {
		return errors.New("app: --watch requires an S3 source")
	}

	ticker := time.NewTicker(opts.Watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.loadOnce(ctx, deps, loader, opts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.ErrorContext(ctx, "batch scan failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "batch scan loaded fills", slog.Int("fills", n))
			}
		}
	}
}

func (a *App) batchLoader(deps *Dependencies) *pipeline.BatchLoader {
	return pipeline.NewBatchLoader(deps.Ingestor, deps.Txs, deps.AuditLog, a.cfg.Ingest.BatchSize, a.logger)
}

// primeCaches loads the app registry and token cache before a one-shot
// ingest. Both must load; an empty registry attributes nothing.
func (a *App) primeCaches(ctx context.Context, deps *Dependencies) error {
	if err := deps.RegistryLoader.Refresh(ctx); err != nil {
		return fmt.Errorf("app: prime registry: %w", err)
	}
	if err := deps.TokenCache.Refresh(ctx); err != nil {
		return fmt.Errorf("app: prime token cache: %w", err)
	}
	return nil
}

func (a *App) loadOnce(ctx context.Context, deps *Dependencies, loader *pipeline.BatchLoader, opts IngestOptions) (int, error) {
	if opts.File != "" {
		return loader.LoadFile(ctx, opts.File)
	}
	if deps.Blobs == nil {
		return 0, errors.New("app: no batch source: set --file or configure s3")
	}
	prefix := opts.S3Prefix
	if prefix == "" {
		prefix = a.cfg.Ingest.S3Prefix
	}
	return loader.LoadBlobs(ctx, deps.Blobs, prefix, deps.Blobs, a.cfg.Ingest.S3ArchivePrefix)
}

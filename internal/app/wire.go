package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/fillindexer/internal/attribution"
	s3blob "github.com/alanyoungcy/fillindexer/internal/blob/s3"
	"github.com/alanyoungcy/fillindexer/internal/cache/redis"
	"github.com/alanyoungcy/fillindexer/internal/config"
	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
	"github.com/alanyoungcy/fillindexer/internal/pipeline"
	"github.com/alanyoungcy/fillindexer/internal/queue"
	natsqueue "github.com/alanyoungcy/fillindexer/internal/queue/nats"
	"github.com/alanyoungcy/fillindexer/internal/schedule"
	"github.com/alanyoungcy/fillindexer/internal/schedule/temporal"
	"github.com/alanyoungcy/fillindexer/internal/search/elastic"
	"github.com/alanyoungcy/fillindexer/internal/server/handler"
	"github.com/alanyoungcy/fillindexer/internal/service"
	"github.com/alanyoungcy/fillindexer/internal/store/postgres"
	"github.com/alanyoungcy/fillindexer/internal/tokens"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function. Fields a mode does not need
// stay nil.
type Dependencies struct {
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Probes   map[string]handler.Probe

	// Storage
	Postgres     *postgres.Client
	Txs          domain.TxBeginner
	FillStore    domain.FillStore
	TokenStore   domain.TokenStore
	RelayerStore domain.RelayerStore
	AppStore     domain.AppStore
	AuditLog     domain.AuditLog

	// Queue
	Publisher domain.JobPublisher
	Source    domain.JobSource

	// Ingestion
	Resolver       *attribution.Resolver
	RegistryLoader *attribution.RegistryLoader
	TokenCache     *tokens.ResolutionCache
	Coalescer      domain.LockManager
	// MemoryCoalescer is set when the in-process coalescer is used and
	// needs its cleanup loop.
	MemoryCoalescer *schedule.MemoryCoalescer
	Scheduler       *schedule.Scheduler
	Ingestor        *pipeline.FillIngestor

	// Aggregation
	Aggregator *service.AttributionAggregator

	// Blob storage
	Blobs *s3blob.Reader
}

// needsQueue returns true for modes that publish or consume jobs.
func needsQueue(mode string) bool {
	return mode != "migrate"
}

// needsIngest returns true for modes that run the fill ingestor.
func needsIngest(mode string) bool {
	return mode == "ingest" || mode == "run"
}

// needsSearch returns true for modes that write to the search index.
func needsSearch(mode string) bool {
	return mode == "consume" || mode == "run"
}

// Wire constructs all concrete dependency implementations for mode and
// returns them together with a cleanup function that should be called on
// shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Metrics:  metrics.NewMetrics(reg),
		Registry: reg,
		Probes:   make(map[string]handler.Probe),
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient
	deps.Txs = pgClient
	deps.Probes["postgres"] = pgClient.Ping

	if cfg.Postgres.RunMigrations || mode == "migrate" {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	if mode == "migrate" {
		return deps, cleanup, nil
	}

	pool := pgClient.Pool()
	deps.FillStore = postgres.NewFillStore(pool)
	deps.TokenStore = postgres.NewTokenStore(pool)
	deps.RelayerStore = postgres.NewRelayerStore(pool)
	deps.AppStore = postgres.NewAppStore(pool)
	deps.AuditLog = postgres.NewAuditLog(pool)

	// --- Redis (queue backend or coalescer) ---
	var redisClient *redis.Client
	if cfg.Queue.Backend == "redis" || (needsIngest(mode) && cfg.Schedule.Coalescer == "redis") {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Probes["redis"] = redisClient.Ping
	}

	// --- Queue ---
	if needsQueue(mode) {
		switch cfg.Queue.Backend {
		case "redis":
			q := redis.NewJobQueue(redisClient, redis.JobQueueConfig{
				Group:         cfg.Queue.Group,
				Consumer:      consumerName(cfg.Queue.Consumer),
				MaxLen:        cfg.Queue.MaxLen,
				BatchSize:     cfg.Queue.BatchSize,
				Block:         cfg.Queue.Block.Duration,
				ClaimMinIdle:  cfg.Queue.ClaimMinIdle.Duration,
				MaxDeliveries: int64(cfg.Queue.MaxDeliveries),
			}, deps.Metrics, logger)
			deps.Publisher, deps.Source = q, q
		case "nats":
			q, err := natsqueue.New(ctx, natsqueue.Config{
				URL:           cfg.NATS.URL,
				Durable:       cfg.NATS.Durable,
				MaxDeliveries: cfg.Queue.MaxDeliveries,
				AckWait:       cfg.NATS.AckWait.Duration,
				RetryDelay:    cfg.NATS.RetryDelay.Duration,
			}, deps.Metrics, logger)
			if err != nil {
				return fail("nats", err)
			}
			closers = append(closers, func() { _ = q.Close() })
			deps.Publisher, deps.Source = q, q
		case "memory":
			q := queue.NewMemoryQueue(cfg.Queue.MemoryBuffer, cfg.Queue.MaxDeliveries)
			deps.Publisher, deps.Source = q, q
		default:
			return fail("queue", fmt.Errorf("unknown backend %q", cfg.Queue.Backend))
		}
	}

	// --- Ingestion ---
	if needsIngest(mode) {
		deps.Resolver = attribution.NewResolver(attribution.NewRegistry(nil))
		deps.RegistryLoader = attribution.NewRegistryLoader(deps.AppStore, deps.Resolver, logger)
		deps.TokenCache = tokens.NewResolutionCache(deps.TokenStore, logger)

		switch cfg.Schedule.Coalescer {
		case "redis":
			deps.Coalescer = redis.NewLockManager(redisClient, cfg.Redis.LockPrefix)
		default:
			deps.MemoryCoalescer = schedule.NewMemoryCoalescer()
			deps.Coalescer = deps.MemoryCoalescer
		}

		var dispatcher schedule.Dispatcher
		switch cfg.Schedule.Backend {
		case "temporal":
			tc, err := temporal.NewClient(cfg.Schedule.TemporalHost, cfg.Schedule.TemporalNamespace, cfg.Schedule.TemporalTaskQueue, logger)
			if err != nil {
				return fail("temporal", err)
			}
			closers = append(closers, tc.Close)
			dispatcher = tc
		default:
			dispatcher = schedule.NewQueueDispatcher(deps.Publisher)
		}
		deps.Scheduler = schedule.New(dispatcher, deps.Coalescer, deps.Metrics, logger)

		deps.Ingestor = pipeline.NewFillIngestor(pipeline.IngestorDeps{
			Attributor: deps.Resolver,
			Tokens:     deps.TokenCache,
			Fills:      deps.FillStore,
			TokenStore: deps.TokenStore,
			Relayers:   deps.RelayerStore,
			Scheduler:  deps.Scheduler,
			Publisher:  deps.Publisher,
			Metrics:    deps.Metrics,
		}, pipeline.IngestorConfig{
			Window:            cfg.Schedule.Window.Duration,
			FanOutConcurrency: cfg.Ingest.FanOutConcurrency,
		}, logger)

		if cfg.S3.Bucket != "" {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				return fail("s3", err)
			}
			deps.Blobs = s3blob.NewReader(s3Client)
			deps.Probes["s3"] = s3Client.Health
		}
	}

	// --- Search ---
	if needsSearch(mode) {
		es, err := elastic.New(elastic.Config{
			Addresses:  cfg.Elasticsearch.Addresses,
			Username:   cfg.Elasticsearch.Username,
			Password:   cfg.Elasticsearch.Password,
			APIKey:     cfg.Elasticsearch.APIKey,
			MaxRetries: cfg.Elasticsearch.MaxRetries,
			Refresh:    cfg.Elasticsearch.Refresh,
		}, deps.Metrics, logger)
		if err != nil {
			return fail("elasticsearch", err)
		}
		deps.Aggregator = service.NewAttributionAggregator(es, cfg.Elasticsearch.AttributionIndex, deps.Metrics, logger)
		deps.Probes["elasticsearch"] = es.Ping
	}

	return deps, cleanup, nil
}

// consumerName defaults the stream consumer to the host name so replicas
// get distinct pending lists.
func consumerName(name string) string {
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "fillworker-1"
}

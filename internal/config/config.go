// Package config defines the top-level configuration for the fill worker
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FILLWORKER_* environment variables.
type Config struct {
	Postgres      PostgresConfig      `toml:"postgres"`
	Redis         RedisConfig         `toml:"redis"`
	Queue         QueueConfig         `toml:"queue"`
	NATS          NATSConfig          `toml:"nats"`
	Elasticsearch ElasticsearchConfig `toml:"elasticsearch"`
	Schedule      ScheduleConfig      `toml:"schedule"`
	Ingest        IngestConfig        `toml:"ingest"`
	S3            S3Config            `toml:"s3"`
	Server        ServerConfig        `toml:"server"`
	LogLevel      string              `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
	LockPrefix  string   `toml:"lock_prefix"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	// Backend is one of "redis", "nats" or "memory".
	Backend       string   `toml:"backend"`
	Group         string   `toml:"group"`
	Consumer      string   `toml:"consumer"`
	MaxLen        int64    `toml:"max_len"`
	BatchSize     int64    `toml:"batch_size"`
	Block         duration `toml:"block"`
	ClaimMinIdle  duration `toml:"claim_min_idle"`
	MaxDeliveries int      `toml:"max_deliveries"`
	MemoryBuffer  int      `toml:"memory_buffer"`
}

// NATSConfig holds JetStream parameters for the nats queue backend.
type NATSConfig struct {
	URL        string   `toml:"url"`
	Durable    string   `toml:"durable"`
	AckWait    duration `toml:"ack_wait"`
	RetryDelay duration `toml:"retry_delay"`
}

// ElasticsearchConfig holds search cluster parameters.
type ElasticsearchConfig struct {
	Addresses        []string `toml:"addresses"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"`
	APIKey           string   `toml:"api_key"`
	MaxRetries       int      `toml:"max_retries"`
	Refresh          string   `toml:"refresh"`
	AttributionIndex string   `toml:"attribution_index"`
}

// ScheduleConfig selects how per-fill follow-up jobs are dispatched.
type ScheduleConfig struct {
	// Backend is "queue" or "temporal".
	Backend           string   `toml:"backend"`
	Window            duration `toml:"window"`
	// Coalescer is "redis" or "memory".
	Coalescer         string   `toml:"coalescer"`
	TemporalHost      string   `toml:"temporal_host"`
	TemporalNamespace string   `toml:"temporal_namespace"`
	TemporalTaskQueue string   `toml:"temporal_task_queue"`
	CleanupInterval   duration `toml:"cleanup_interval"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	BatchSize           int      `toml:"batch_size"`
	FanOutConcurrency   int      `toml:"fan_out_concurrency"`
	RegistryRefresh     duration `toml:"registry_refresh"`
	TokenRefresh        duration `toml:"token_refresh"`
	S3Prefix            string   `toml:"s3_prefix"`
	S3ArchivePrefix     string   `toml:"s3_archive_prefix"`
	ShutdownGracePeriod duration `toml:"shutdown_grace_period"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// duration wraps time.Duration so it can be decoded from TOML strings.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fills",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			LockPrefix:  "fillworker:coalesce:",
		},
		Queue: QueueConfig{
			Backend:       "redis",
			Group:         "fillworker",
			MaxLen:        100000,
			BatchSize:     10,
			Block:         duration{5 * time.Second},
			ClaimMinIdle:  duration{5 * time.Minute},
			MaxDeliveries: 5,
			MemoryBuffer:  1024,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			Durable:    "fillworker",
			AckWait:    duration{2 * time.Minute},
			RetryDelay: duration{10 * time.Second},
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:        []string{"http://localhost:9200"},
			MaxRetries:       3,
			Refresh:          "false",
			AttributionIndex: "app_fill_attributions",
		},
		Schedule: ScheduleConfig{
			Backend:           "queue",
			Window:            duration{30 * time.Second},
			Coalescer:         "redis",
			TemporalHost:      "localhost:7233",
			TemporalNamespace: "default",
			TemporalTaskQueue: "fill-processing",
			CleanupInterval:   duration{time.Minute},
		},
		Ingest: IngestConfig{
			BatchSize:           500,
			FanOutConcurrency:   16,
			RegistryRefresh:     duration{time.Minute},
			TokenRefresh:        duration{time.Minute},
			S3Prefix:            "fills/incoming/",
			S3ArchivePrefix:     "fills/archive",
			ShutdownGracePeriod: duration{15 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "fills",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		LogLevel: "info",
	}
}

var validQueueBackends = map[string]bool{
	"redis":  true,
	"nats":   true,
	"memory": true,
}

var validScheduleBackends = map[string]bool{
	"queue":    true,
	"temporal": true,
}

var validCoalescers = map[string]bool{
	"redis":  true,
	"memory": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRefresh = map[string]bool{
	"":         true,
	"false":    true,
	"true":     true,
	"wait_for": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Queue
	if !validQueueBackends[c.Queue.Backend] {
		errs = append(errs, fmt.Sprintf("queue: unknown backend %q (valid: redis, nats, memory)", c.Queue.Backend))
	}
	if c.Queue.MaxDeliveries < 1 {
		errs = append(errs, "queue: max_deliveries must be >= 1")
	}
	if c.Queue.Backend == "nats" && c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty for the nats backend")
	}
	if c.needsRedis() {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Schedule
	if !validScheduleBackends[c.Schedule.Backend] {
		errs = append(errs, fmt.Sprintf("schedule: unknown backend %q (valid: queue, temporal)", c.Schedule.Backend))
	}
	if !validCoalescers[c.Schedule.Coalescer] {
		errs = append(errs, fmt.Sprintf("schedule: unknown coalescer %q (valid: redis, memory)", c.Schedule.Coalescer))
	}
	if c.Schedule.Window.Duration <= 0 {
		errs = append(errs, "schedule: window must be > 0")
	}
	// The in-process queue only has a consumer for the indexing queue, so the
	// per-fill follow-up work has to go to temporal.
	if c.Queue.Backend == "memory" && c.Schedule.Backend != "temporal" {
		errs = append(errs, "schedule: backend must be temporal when queue.backend is memory")
	}
	if c.Schedule.Backend == "temporal" && c.Schedule.TemporalHost == "" {
		errs = append(errs, "schedule: temporal_host must not be empty for the temporal backend")
	}
	// Delayed jobs wait in the consumer, so a redelivery timeout shorter than
	// the window would hand the same job to a second consumer.
	if c.Queue.Backend == "redis" && c.Queue.ClaimMinIdle.Duration <= c.Schedule.Window.Duration {
		errs = append(errs, "queue: claim_min_idle must exceed schedule.window")
	}
	if c.Queue.Backend == "nats" && c.NATS.AckWait.Duration <= c.Schedule.Window.Duration {
		errs = append(errs, "nats: ack_wait must exceed schedule.window")
	}

	// Elasticsearch
	if len(c.Elasticsearch.Addresses) == 0 {
		errs = append(errs, "elasticsearch: addresses must not be empty")
	}
	if c.Elasticsearch.AttributionIndex == "" {
		errs = append(errs, "elasticsearch: attribution_index must not be empty")
	}
	if !validRefresh[c.Elasticsearch.Refresh] {
		errs = append(errs, fmt.Sprintf("elasticsearch: refresh must be true, false or wait_for, got %q", c.Elasticsearch.Refresh))
	}

	// Ingest
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, "ingest: batch_size must be >= 1")
	}
	if c.Ingest.FanOutConcurrency < 0 {
		errs = append(errs, "ingest: fan_out_concurrency must be >= 0")
	}
	if c.Ingest.RegistryRefresh.Duration <= 0 || c.Ingest.TokenRefresh.Duration <= 0 {
		errs = append(errs, "ingest: registry_refresh and token_refresh must be > 0")
	}
	if c.Ingest.S3ArchivePrefix != "" && strings.HasPrefix(c.Ingest.S3ArchivePrefix, c.Ingest.S3Prefix) && c.Ingest.S3Prefix != "" {
		errs = append(errs, "ingest: s3_archive_prefix must not be inside s3_prefix")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) needsRedis() bool {
	return c.Queue.Backend == "redis" || c.Schedule.Coalescer == "redis"
}

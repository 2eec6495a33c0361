package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FILLWORKER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FILLWORKER_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FILLWORKER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FILLWORKER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FILLWORKER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FILLWORKER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FILLWORKER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FILLWORKER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FILLWORKER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FILLWORKER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FILLWORKER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FILLWORKER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FILLWORKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FILLWORKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FILLWORKER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FILLWORKER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FILLWORKER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FILLWORKER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.DialTimeout, "FILLWORKER_REDIS_DIAL_TIMEOUT")

	// ── Queue ──
	setStr(&cfg.Queue.Backend, "FILLWORKER_QUEUE_BACKEND")
	setStr(&cfg.Queue.Group, "FILLWORKER_QUEUE_GROUP")
	setStr(&cfg.Queue.Consumer, "FILLWORKER_QUEUE_CONSUMER")
	setInt64(&cfg.Queue.MaxLen, "FILLWORKER_QUEUE_MAX_LEN")
	setDuration(&cfg.Queue.ClaimMinIdle, "FILLWORKER_QUEUE_CLAIM_MIN_IDLE")
	setInt(&cfg.Queue.MaxDeliveries, "FILLWORKER_QUEUE_MAX_DELIVERIES")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "FILLWORKER_NATS_URL")
	setStr(&cfg.NATS.Durable, "FILLWORKER_NATS_DURABLE")
	setDuration(&cfg.NATS.AckWait, "FILLWORKER_NATS_ACK_WAIT")
	setDuration(&cfg.NATS.RetryDelay, "FILLWORKER_NATS_RETRY_DELAY")

	// ── Elasticsearch ──
	setStringSlice(&cfg.Elasticsearch.Addresses, "FILLWORKER_ELASTICSEARCH_ADDRESSES")
	setStr(&cfg.Elasticsearch.Username, "FILLWORKER_ELASTICSEARCH_USERNAME")
	setStr(&cfg.Elasticsearch.Password, "FILLWORKER_ELASTICSEARCH_PASSWORD")
	setStr(&cfg.Elasticsearch.APIKey, "FILLWORKER_ELASTICSEARCH_API_KEY")
	setStr(&cfg.Elasticsearch.Refresh, "FILLWORKER_ELASTICSEARCH_REFRESH")
	setStr(&cfg.Elasticsearch.AttributionIndex, "FILLWORKER_ELASTICSEARCH_ATTRIBUTION_INDEX")

	// ── Schedule ──
	setStr(&cfg.Schedule.Backend, "FILLWORKER_SCHEDULE_BACKEND")
	setDuration(&cfg.Schedule.Window, "FILLWORKER_SCHEDULE_WINDOW")
	setStr(&cfg.Schedule.Coalescer, "FILLWORKER_SCHEDULE_COALESCER")
	setStr(&cfg.Schedule.TemporalHost, "FILLWORKER_SCHEDULE_TEMPORAL_HOST")
	setStr(&cfg.Schedule.TemporalNamespace, "FILLWORKER_SCHEDULE_TEMPORAL_NAMESPACE")
	setStr(&cfg.Schedule.TemporalTaskQueue, "FILLWORKER_SCHEDULE_TEMPORAL_TASK_QUEUE")

	// ── Ingest ──
	setInt(&cfg.Ingest.BatchSize, "FILLWORKER_INGEST_BATCH_SIZE")
	setInt(&cfg.Ingest.FanOutConcurrency, "FILLWORKER_INGEST_FAN_OUT_CONCURRENCY")
	setDuration(&cfg.Ingest.RegistryRefresh, "FILLWORKER_INGEST_REGISTRY_REFRESH")
	setDuration(&cfg.Ingest.TokenRefresh, "FILLWORKER_INGEST_TOKEN_REFRESH")
	setStr(&cfg.Ingest.S3Prefix, "FILLWORKER_INGEST_S3_PREFIX")
	setStr(&cfg.Ingest.S3ArchivePrefix, "FILLWORKER_INGEST_S3_ARCHIVE_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FILLWORKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FILLWORKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "FILLWORKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FILLWORKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FILLWORKER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FILLWORKER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FILLWORKER_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FILLWORKER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FILLWORKER_SERVER_PORT")

	setStr(&cfg.LogLevel, "FILLWORKER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

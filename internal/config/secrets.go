package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// for logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.Elasticsearch.Password)
	redact(&out.Elasticsearch.APIKey)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	if cfg.Elasticsearch.Addresses != nil {
		out.Elasticsearch.Addresses = append([]string(nil), cfg.Elasticsearch.Addresses...)
	}

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

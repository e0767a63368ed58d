package main

import (
	"os"
	"strconv"
	"time"

	"github.com/lychee-technology/tabq"
)

// loadConfig starts from CONFIG_FILE (or the defaults) and overlays
// environment variables.
func loadConfig() (*tabq.Config, error) {
	cfg := tabq.DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		cfg, err = tabq.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *tabq.Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.Server.MaxBodyBytes)))
	cfg.Server.ShutdownTimeout = time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", int(cfg.Server.ShutdownTimeout/time.Second))) * time.Second

	cfg.Scheduler.MaxWorkers = getEnvInt("MAX_WORKERS", cfg.Scheduler.MaxWorkers)
	cfg.Scheduler.MailboxSize = getEnvInt("MAILBOX_SIZE", cfg.Scheduler.MailboxSize)
	cfg.Scheduler.RejectInvalidPlans = getEnvBool("REJECT_INVALID_PLANS", cfg.Scheduler.RejectInvalidPlans)

	cfg.DuckDB.DBPath = getEnv("DUCKDB_PATH", cfg.DuckDB.DBPath)
	cfg.DuckDB.MemoryLimitMB = getEnvInt("DUCKDB_MEMORY_LIMIT_MB", cfg.DuckDB.MemoryLimitMB)
	cfg.DuckDB.MaxParallelism = getEnvInt("DUCKDB_THREADS", cfg.DuckDB.MaxParallelism)
	cfg.DuckDB.QueryTimeout = time.Duration(getEnvInt("DUCKDB_QUERY_TIMEOUT_SECONDS", int(cfg.DuckDB.QueryTimeout/time.Second))) * time.Second
	cfg.DuckDB.EnableS3 = getEnvBool("DUCKDB_ENABLE_S3", cfg.DuckDB.EnableS3)

	cfg.Output.InlineThresholdBytes = getEnvInt("INLINE_THRESHOLD_BYTES", cfg.Output.InlineThresholdBytes)
	cfg.Output.SpillDir = getEnv("SPILL_DIR", cfg.Output.SpillDir)

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Dir = getEnv("METRICS_DIR", cfg.Metrics.Dir)
	cfg.Metrics.Timeout = time.Duration(getEnvInt("METRICS_TIMEOUT_SECONDS", int(cfg.Metrics.Timeout/time.Second))) * time.Second
	cfg.Metrics.Prometheus = getEnvBool("PROMETHEUS_ENABLED", cfg.Metrics.Prometheus)

	pg := &cfg.Metrics.Postgres
	pg.Enabled = getEnvBool("METRICS_DB_ENABLED", pg.Enabled)
	pg.Host = getEnv("DB_HOST", pg.Host)
	pg.Port = getEnvInt("DB_PORT", pg.Port)
	pg.Database = getEnv("DB_NAME", pg.Database)
	pg.Username = getEnv("DB_USER", pg.Username)
	pg.Password = getEnv("DB_PASSWORD", pg.Password)
	pg.SSLMode = getEnv("DB_SSL_MODE", pg.SSLMode)
	pg.UseIAM = getEnvBool("DB_USE_IAM", pg.UseIAM)
	pg.Region = getEnv("AWS_REGION", pg.Region)
	pg.Table = getEnv("METRICS_TABLE", pg.Table)

	s3 := &cfg.S3
	s3.Enabled = getEnvBool("S3_SPILL_ENABLED", s3.Enabled)
	s3.Bucket = getEnv("S3_BUCKET", s3.Bucket)
	s3.Prefix = getEnv("S3_PREFIX", s3.Prefix)
	s3.Region = getEnv("S3_REGION", s3.Region)
	s3.Endpoint = getEnv("S3_ENDPOINT", s3.Endpoint)
	s3.AccessKey = getEnv("S3_ACCESS_KEY", s3.AccessKey)
	s3.SecretKey = getEnv("S3_SECRET_KEY", s3.SecretKey)
	s3.PathStyle = getEnvBool("S3_PATH_STYLE", s3.PathStyle)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

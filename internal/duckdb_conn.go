package internal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// DuckDBClient wraps a database/sql DB opened with the DuckDB driver.
type DuckDBClient struct {
	DB  *sql.DB
	cfg tabq.DuckDBConfig
}

// ValidateDuckDBConfig performs basic sanity checks on the engine configuration.
func ValidateDuckDBConfig(cfg tabq.DuckDBConfig) error {
	if !cfg.Enabled {
		return fmt.Errorf("duckdb must be enabled")
	}
	if cfg.MemoryLimitMB < 0 {
		return fmt.Errorf("invalid memory_limit_mb: must be >= 0")
	}
	if cfg.MaxParallelism < 0 {
		return fmt.Errorf("invalid max_parallelism: must be >= 0")
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1")
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be > 0")
	}
	return nil
}

// NewDuckDBClient opens DuckDB and applies extensions and pragmas. Extension
// failures are logged and do not abort startup.
func NewDuckDBClient(cfg tabq.DuckDBConfig) (*DuckDBClient, error) {
	if err := ValidateDuckDBConfig(cfg); err != nil {
		return nil, err
	}

	dsn := cfg.DBPath
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	client := &DuckDBClient{DB: db, cfg: cfg}

	for _, ext := range cfg.Extensions {
		client.loadExtension(ctx, ext)
	}

	if cfg.EnableS3 {
		client.loadExtension(ctx, "httpfs")
		endpoint, useSSL := splitS3Endpoint(cfg.S3Endpoint)
		settings := []struct{ name, value string }{
			{"s3_access_key_id", cfg.S3AccessKey},
			{"s3_secret_access_key", cfg.S3SecretKey},
			{"s3_region", cfg.S3Region},
			{"s3_endpoint", endpoint},
		}
		if endpoint != "" {
			// custom endpoints (MinIO, LocalStack) serve path-style URLs
			settings = append(settings, struct{ name, value string }{"s3_url_style", "path"})
			if !useSSL {
				client.execBestEffort(ctx, "SET s3_use_ssl=false;", "setting", "s3_use_ssl")
			}
		}
		for _, s := range settings {
			if s.value == "" {
				continue
			}
			client.execBestEffort(ctx, fmt.Sprintf("SET %s=%s;", s.name, sqlString(s.value)), "setting", s.name)
		}
	}

	if cfg.EnableParquet {
		client.loadExtension(ctx, "parquet")
	}

	if cfg.MemoryLimitMB > 0 {
		client.execBestEffort(ctx, fmt.Sprintf("PRAGMA memory_limit='%dMB';", cfg.MemoryLimitMB), "memoryLimitMB", cfg.MemoryLimitMB)
	}
	if cfg.MaxParallelism > 0 {
		client.execBestEffort(ctx, fmt.Sprintf("PRAGMA threads=%d;", cfg.MaxParallelism), "maxParallelism", cfg.MaxParallelism)
	}

	return client, nil
}

// splitS3Endpoint strips the scheme DuckDB does not accept in s3_endpoint.
func splitS3Endpoint(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	default:
		return endpoint, true
	}
}

func (c *DuckDBClient) loadExtension(ctx context.Context, ext string) {
	if _, err := c.DB.ExecContext(ctx, fmt.Sprintf("INSTALL %s;", ext)); err != nil {
		zap.S().Warnw("duckdb: install extension failed", "extension", ext, "err", err)
		return
	}
	if _, err := c.DB.ExecContext(ctx, fmt.Sprintf("LOAD %s;", ext)); err != nil {
		zap.S().Warnw("duckdb: load extension failed", "extension", ext, "err", err)
	}
}

func (c *DuckDBClient) execBestEffort(ctx context.Context, stmt string, kv ...any) {
	if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
		zap.S().Warnw("duckdb: statement failed (non-fatal)", append(kv, "err", err)...)
	}
}

// QueryTimeout returns the per-statement timeout.
func (c *DuckDBClient) QueryTimeout() time.Duration {
	return c.cfg.QueryTimeout
}

// Close closes the underlying DuckDB DB.
func (c *DuckDBClient) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// HealthCheck runs a trivial query and best-effort pragma checks.
func (c *DuckDBClient) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return fmt.Errorf("duckdb client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var v int
	if err := c.DB.QueryRowContext(ctx, "SELECT 1;").Scan(&v); err != nil {
		return fmt.Errorf("duckdb health query failed: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("unexpected duckdb health result: %d", v)
	}

	if c.cfg.MaxParallelism > 0 {
		var threads int
		if err := c.DB.QueryRowContext(ctx, "SELECT current_setting('threads');").Scan(&threads); err != nil {
			zap.S().Warnw("duckdb: threads setting query failed (non-fatal)", "err", err)
		} else if threads <= 0 {
			zap.S().Warnw("duckdb: threads setting invalid (non-fatal)", "threads", threads)
		}
	}

	return nil
}

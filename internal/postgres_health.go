package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/tabq"
)

// ValidatePostgresConfig performs basic sanity checks on the metrics sink settings.
func ValidatePostgresConfig(cfg tabq.PostgresMetricsConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("metrics.postgres.host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("metrics.postgres.port must be a valid TCP port")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("metrics.postgres.maxConnections must be greater than 0")
	}
	if cfg.UseIAM && cfg.Region == "" {
		return fmt.Errorf("metrics.postgres.region is required with useIAM")
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresHealthCheck connects with the sink settings (including IAM auth),
// pings, and checks that the metrics table exists.
func PostgresHealthCheck(ctx context.Context, cfg tabq.PostgresMetricsConfig) error {
	if err := ValidatePostgresConfig(cfg); err != nil {
		return err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	password, err := resolvePostgresPassword(ctx, cfg)
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, PostgresDSN(cfg, password))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return checkMetricsTable(ctx, pool, cfg.Table)
}

func checkMetricsTable(ctx context.Context, db rowQuerier, table string) error {
	var exists bool
	if err := db.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
		return fmt.Errorf("look up metrics table: %w", err)
	}
	if !exists {
		return fmt.Errorf("metrics table %q does not exist, run init-metrics-db", table)
	}
	return nil
}

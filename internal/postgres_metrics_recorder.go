package internal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

type metricsExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresMetricsRecorder inserts completed-query rows into a Postgres table.
type PostgresMetricsRecorder struct {
	db      metricsExecer
	table   string
	timeout time.Duration
	breaker *CircuitBreaker
}

// NewPostgresMetricsRecorder writes into table through db (a pgxpool.Pool in
// production). breaker may be nil.
func NewPostgresMetricsRecorder(db metricsExecer, table string, timeout time.Duration, breaker *CircuitBreaker) *PostgresMetricsRecorder {
	return &PostgresMetricsRecorder{db: db, table: table, timeout: timeout, breaker: breaker}
}

// EnsureTable creates the metrics table if missing.
func (r *PostgresMetricsRecorder) EnsureTable(ctx context.Context) error {
	_, err := r.db.Exec(ctx, MetricsTableDDL(r.table))
	if err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	return nil
}

// MetricsTableDDL returns the CREATE TABLE statement for the metrics sink.
func MetricsTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	query TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	cost BIGINT NOT NULL,
	output_size BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, sanitizeIdentifier(table))
}

func (r *PostgresMetricsRecorder) Append(ctx context.Context, row tabq.MetricsRow) error {
	if r.breaker.IsOpen() {
		return fmt.Errorf("postgres metrics sink unavailable: circuit open")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	recordedAt := row.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (query, duration_ms, cost, output_size, recorded_at) VALUES ($1, $2, $3, $4, $5)",
		sanitizeIdentifier(r.table))
	if _, err := r.db.Exec(ctx, query, row.Query, row.DurationMs, row.Cost, row.OutputSize, recordedAt.UTC()); err != nil {
		r.breaker.RecordFailure()
		return fmt.Errorf("insert metrics row: %w", err)
	}
	r.breaker.RecordSuccess()
	return nil
}

// PostgresDSN renders a pgx connection URL. The password is escaped so IAM
// tokens can be used verbatim.
func PostgresDSN(cfg tabq.PostgresMetricsConfig, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resolvePostgresPassword returns cfg.Password, or a DSQL IAM token when
// UseIAM is set.
func resolvePostgresPassword(ctx context.Context, cfg tabq.PostgresMetricsConfig) (string, error) {
	if !cfg.UseIAM {
		return cfg.Password, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	endpoint := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, cfg.Region, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("generate dsql auth token: %w", err)
	}
	zap.S().Infow("generated IAM auth token for metrics sink", "host", cfg.Host)
	return token, nil
}

// NewPostgresMetricsPool opens and pings a pool for the metrics sink.
func NewPostgresMetricsPool(ctx context.Context, cfg tabq.PostgresMetricsConfig) (*pgxpool.Pool, error) {
	if err := ValidatePostgresConfig(cfg); err != nil {
		return nil, err
	}
	password, err := resolvePostgresPassword(ctx, cfg)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(PostgresDSN(cfg, password))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

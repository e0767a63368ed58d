package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lychee-technology/tabq"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MetricsFileName is the completed-query log inside the metrics directory.
const MetricsFileName = "query_metrics.parquet"

// MetricsRecorder appends one row per completed query.
type MetricsRecorder interface {
	Append(ctx context.Context, row tabq.MetricsRow) error
}

// ParquetMetricsRecorder keeps the log as a single Parquet file. Each append
// rewrites the file through DuckDB (existing rows UNION the new one) into a
// temp file that replaces the original, so readers never see a partial file.
type ParquetMetricsRecorder struct {
	db   *sql.DB
	dir  string
	mu   sync.Mutex
	path string
}

// NewParquetMetricsRecorder logs into dir/query_metrics.parquet using db,
// which must be a DuckDB handle.
func NewParquetMetricsRecorder(db *sql.DB, dir string) *ParquetMetricsRecorder {
	return &ParquetMetricsRecorder{
		db:   db,
		dir:  dir,
		path: filepath.Join(dir, MetricsFileName),
	}
}

// Path returns the log file location.
func (r *ParquetMetricsRecorder) Path() string {
	return r.path
}

func (r *ParquetMetricsRecorder) Append(ctx context.Context, row tabq.MetricsRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	recordedAt := row.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	newRow := fmt.Sprintf(
		"SELECT %s AS query, CAST(%d AS BIGINT) AS duration_ms, CAST(%d AS BIGINT) AS cost, CAST(%d AS BIGINT) AS output_size, CAST(%s AS TIMESTAMP) AS recorded_at",
		sqlString(row.Query), row.DurationMs, row.Cost, row.OutputSize,
		sqlString(recordedAt.UTC().Format("2006-01-02 15:04:05.999999")))

	source := newRow
	if _, err := os.Stat(r.path); err == nil {
		source = fmt.Sprintf("SELECT * FROM read_parquet(%s) UNION ALL BY NAME %s", sqlString(r.path), newRow)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat metrics file: %w", err)
	}

	tmp := r.path + ".tmp"
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", source, sqlString(tmp))); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("append metrics row: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace metrics file: %w", err)
	}
	return nil
}

// Rows reads back the whole log in append order.
func (r *ParquetMetricsRecorder) Rows(ctx context.Context) ([]tabq.MetricsRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT query, duration_ms, cost, output_size, recorded_at FROM read_parquet(%s)", sqlString(r.path)))
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	defer rows.Close()

	var out []tabq.MetricsRow
	for rows.Next() {
		var m tabq.MetricsRow
		var recordedAt sql.NullTime
		if err := rows.Scan(&m.Query, &m.DurationMs, &m.Cost, &m.OutputSize, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		if recordedAt.Valid {
			m.RecordedAt = recordedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MultiRecorder fans a row out to several sinks. Every sink is attempted;
// failures are combined.
type MultiRecorder []MetricsRecorder

func (m MultiRecorder) Append(ctx context.Context, row tabq.MetricsRow) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Append(ctx, row))
	}
	return err
}

// NopRecorder discards rows.
type NopRecorder struct{}

func (NopRecorder) Append(context.Context, tabq.MetricsRow) error { return nil }

// logRecorderError reports a failed append without propagating it.
func logRecorderError(jobID uint64, err error) {
	for _, e := range multierr.Errors(err) {
		zap.S().Warnw("metrics append failed", "jobID", jobID, "err", e)
	}
}

package internal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// DuckDBEngine implements Engine by composing SQL over DuckDB table
// functions. Each step wraps the previous query as a subquery and is bound
// with DESCRIBE, so schema errors surface at the step that caused them.
type DuckDBEngine struct {
	db      *sql.DB
	timeout time.Duration
	mem     memory.Allocator
	remote  *CircuitBreaker
}

// DuckDBEngineOption customizes a DuckDBEngine.
type DuckDBEngineOption func(*DuckDBEngine)

// WithRemoteBreaker guards loads of remote sources (s3://, https://).
func WithRemoteBreaker(cb *CircuitBreaker) DuckDBEngineOption {
	return func(e *DuckDBEngine) { e.remote = cb }
}

// WithAllocator sets the Arrow allocator used to build results.
func WithAllocator(mem memory.Allocator) DuckDBEngineOption {
	return func(e *DuckDBEngine) { e.mem = mem }
}

// NewDuckDBEngine creates an engine on top of an open client.
func NewDuckDBEngine(client *DuckDBClient, opts ...DuckDBEngineOption) *DuckDBEngine {
	e := &DuckDBEngine{
		db:      client.DB,
		timeout: client.QueryTimeout(),
		mem:     memory.NewGoAllocator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// readerFor picks the DuckDB table function for a source path by extension.
func readerFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return "read_csv_auto"
	case ".json", ".jsonl", ".ndjson":
		return "read_json_auto"
	default:
		return "read_parquet"
	}
}

func (e *DuckDBEngine) Load(ctx context.Context, path string) (*Table, error) {
	remote := isRemotePath(path)
	if !remote {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, tabq.NewSourceNotFoundError(path)
			}
			return nil, tabq.NewSourceCorruptError(path, err)
		}
	} else if e.remote.IsOpen() {
		return nil, tabq.NewEngineError(tabq.ErrCodeSourceNotFound, "remote sources temporarily unavailable").
			WithDetail("path", path)
	}

	query := fmt.Sprintf("SELECT * FROM %s(%s)", readerFor(path), sqlString(path))
	cols, err := e.describe(ctx, query)
	if err != nil {
		if remote {
			e.remote.RecordFailure()
			if isRemoteNotFound(err) {
				return nil, tabq.NewSourceNotFoundError(path).WithCause(err)
			}
		}
		return nil, tabq.NewSourceCorruptError(path, err)
	}
	if remote {
		e.remote.RecordSuccess()
	}

	zap.S().Debugw("source loaded", "path", path, "columns", len(cols))
	return &Table{query: query, columns: cols, source: path}, nil
}

func isRemoteNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "No files found")
}

func (e *DuckDBEngine) Filter(ctx context.Context, t *Table, p tabq.Predicate) (*Table, error) {
	op, ok := sqlOperator(p.Op)
	if !ok {
		return nil, tabq.NewEngineError(tabq.ErrCodeUnsupportedPredicate, fmt.Sprintf("unsupported operator %q", p.Op))
	}
	if err := e.requireColumns(t, p.Column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM (%s) AS t WHERE %s %s %s",
		t.query, quoteColumn(p.Column), op, sqlLiteral(p.Literal))
	return e.derive(ctx, t, query)
}

func (e *DuckDBEngine) Project(ctx context.Context, t *Table, columns []string) (*Table, error) {
	if len(columns) == 0 {
		return nil, tabq.NewEngineError(tabq.ErrCodeEmptyProjection, "select requires at least one column")
	}
	if err := e.requireColumns(t, columns...); err != nil {
		return nil, err
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteColumn(c)
	}
	query := fmt.Sprintf("SELECT %s FROM (%s) AS t", strings.Join(quoted, ", "), t.query)
	return e.derive(ctx, t, query)
}

func (e *DuckDBEngine) Sort(ctx context.Context, t *Table, column string) (*Table, error) {
	if err := e.requireColumns(t, column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM (%s) AS t ORDER BY %s ASC NULLS FIRST", t.query, quoteColumn(column))
	return e.derive(ctx, t, query)
}

func (e *DuckDBEngine) GroupAggregate(ctx context.Context, t *Table, key string, aggs []tabq.AggregateSpec) (*Table, error) {
	if key == "" && len(aggs) == 0 {
		return t, nil
	}

	var selects []string
	used := map[string]bool{}
	if key != "" {
		if err := e.requireColumns(t, key); err != nil {
			return nil, err
		}
		selects = append(selects, quoteColumn(key))
		used[key] = true
	}

	for _, a := range aggs {
		if err := e.requireColumns(t, a.Column); err != nil {
			return nil, err
		}
		fn, err := sqlAggregate(a.Func)
		if err != nil {
			return nil, err
		}
		alias := a.Column
		if used[alias] {
			alias = a.Column + "_" + string(a.Func)
		}
		for n := 2; used[alias]; n++ {
			alias = fmt.Sprintf("%s_%s_%d", a.Column, a.Func, n)
		}
		used[alias] = true
		selects = append(selects, fmt.Sprintf("%s(%s) AS %s", fn, quoteColumn(a.Column), quoteColumn(alias)))
	}

	query := fmt.Sprintf("SELECT %s FROM (%s) AS t", strings.Join(selects, ", "), t.query)
	if key != "" {
		query += " GROUP BY " + quoteColumn(key)
	}
	return e.derive(ctx, t, query)
}

func sqlAggregate(f tabq.AggFunc) (string, error) {
	switch f {
	case tabq.AggSum, tabq.AggMin, tabq.AggMax, tabq.AggCount:
		return string(f), nil
	case tabq.AggMean:
		return "avg", nil
	default:
		return "", tabq.NewUnsupportedAggregateError(string(f))
	}
}

// Serialize encodes the table as an Arrow IPC stream.
func (e *DuckDBEngine) Serialize(ctx context.Context, t *Table) ([]byte, error) {
	rec, err := e.Collect(ctx, t)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(e.mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, serializeError(err)
	}
	if err := w.Close(); err != nil {
		return nil, serializeError(err)
	}
	return buf.Bytes(), nil
}

// WriteToFile writes the table as an Arrow IPC (Feather v2) file.
func (e *DuckDBEngine) WriteToFile(ctx context.Context, t *Table, path string) (int64, error) {
	rec, err := e.Collect(ctx, t)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	fw, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(e.mem))
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := fw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Collect runs the table query and returns the rows as one Arrow record.
// The caller must Release it.
func (e *DuckDBEngine) Collect(ctx context.Context, t *Table) (arrow.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx, t.query)
	if err != nil {
		return nil, executionError("query failed", err)
	}
	defer rows.Close()

	b := array.NewRecordBuilder(e.mem, arrowSchemaFor(t.columns))
	defer b.Release()

	values := make([]any, len(t.columns))
	dest := make([]any, len(t.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, executionError("scan failed", err)
		}
		for i, v := range values {
			if err := appendValue(b.Field(i), v); err != nil {
				return nil, serializeError(fmt.Errorf("column %q: %w", t.columns[i].Name, err))
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, executionError("row iteration failed", err)
	}
	return b.NewRecord(), nil
}

func (e *DuckDBEngine) requireColumns(t *Table, names ...string) error {
	for _, n := range names {
		if !t.hasColumn(n) {
			return tabq.NewTabqError(tabq.ErrorTypeExecution, tabq.ErrCodeQueryExecution,
				fmt.Sprintf("column %q not found", n)).
				WithDetail("column", n).
				WithDetail("available", t.ColumnNames())
		}
	}
	return nil
}

func (e *DuckDBEngine) derive(ctx context.Context, t *Table, query string) (*Table, error) {
	cols, err := e.describe(ctx, query)
	if err != nil {
		return nil, executionError("cannot bind query", err)
	}
	return &Table{query: query, columns: cols, source: t.source}, nil
}

// describe binds query without running it and returns its schema.
func (e *DuckDBEngine) describe(ctx context.Context, query string) ([]ColumnInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx, "DESCRIBE "+query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]any, len(names))
	dest := make([]any, len(names))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var cols []ColumnInfo
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(raw) < 2 {
			return nil, fmt.Errorf("unexpected DESCRIBE shape: %v", names)
		}
		cols = append(cols, ColumnInfo{Name: fmt.Sprint(raw[0]), Type: fmt.Sprint(raw[1])})
	}
	return cols, rows.Err()
}

func executionError(msg string, cause error) error {
	return tabq.NewTabqError(tabq.ErrorTypeExecution, tabq.ErrCodeQueryExecution, msg).WithCause(cause)
}

func serializeError(cause error) error {
	return tabq.NewTabqError(tabq.ErrorTypeIO, tabq.ErrCodeSerializeFailed, "failed to serialize result").WithCause(cause)
}

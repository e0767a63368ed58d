package internal

import (
	"context"

	"github.com/lychee-technology/tabq"
)

// Table is an immutable handle on a (lazily evaluated) tabular result.
type Table struct {
	query   string
	columns []ColumnInfo
	source  string
}

// Columns returns the table schema.
func (t *Table) Columns() []ColumnInfo {
	return t.columns
}

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// Source returns the path the table was loaded from.
func (t *Table) Source() string {
	return t.source
}

// SQL returns the query that produces the table.
func (t *Table) SQL() string {
	return t.query
}

func (t *Table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// TableSerializer turns a table into transferable bytes or a file.
type TableSerializer interface {
	// Serialize encodes the table as an Arrow IPC stream.
	Serialize(ctx context.Context, t *Table) ([]byte, error)
	// WriteToFile writes the table as an Arrow IPC file and returns its size.
	WriteToFile(ctx context.Context, t *Table, path string) (int64, error)
}

// Engine is the tabular engine the executor drives.
type Engine interface {
	TableSerializer
	Load(ctx context.Context, path string) (*Table, error)
	Filter(ctx context.Context, t *Table, p tabq.Predicate) (*Table, error)
	Project(ctx context.Context, t *Table, columns []string) (*Table, error)
	// GroupAggregate groups by key and applies aggs. An empty key aggregates
	// the whole table into one row.
	GroupAggregate(ctx context.Context, t *Table, key string, aggs []tabq.AggregateSpec) (*Table, error)
	Sort(ctx context.Context, t *Table, column string) (*Table, error)
}

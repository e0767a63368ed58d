package internal

import (
	"math"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/tabq"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "schema qualified", input: "public.query_metrics", expected: pgx.Identifier{"public", "query_metrics"}.Sanitize()},
		{name: "trim quotes and spaces", input: `  "a" . "b" .. "c"  `, expected: pgx.Identifier{"a", "b", "c"}.Sanitize()},
		{name: "all empty parts fallback", input: "...", expected: pgx.Identifier{"..."}.Sanitize()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeIdentifier(tt.input))
		})
	}
}

func TestQuoteColumn(t *testing.T) {
	assert.Equal(t, `"age"`, quoteColumn("age"))
	assert.Equal(t, `"a.b"`, quoteColumn("a.b"))
	assert.Equal(t, `"say ""hi"""`, quoteColumn(`say "hi"`))
}

func TestSQLLiteral(t *testing.T) {
	tests := []struct {
		name string
		lit  tabq.Literal
		want string
	}{
		{name: "int", lit: tabq.Literal{Kind: tabq.LiteralInt, Int: -42}, want: "-42"},
		{name: "float", lit: tabq.Literal{Kind: tabq.LiteralFloat, Float: 2.5}, want: "2.5"},
		{name: "nan", lit: tabq.Literal{Kind: tabq.LiteralFloat, Float: math.NaN()}, want: "CAST('NaN' AS DOUBLE)"},
		{name: "string", lit: tabq.Literal{Kind: tabq.LiteralString, Str: "O'Brien"}, want: "'O''Brien'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlLiteral(tt.lit))
		})
	}
}

func TestSQLOperator(t *testing.T) {
	op, ok := sqlOperator(tabq.OpEqual)
	assert.True(t, ok)
	assert.Equal(t, "=", op)

	op, ok = sqlOperator(tabq.OpNotEqual)
	assert.True(t, ok)
	assert.Equal(t, "<>", op)

	_, ok = sqlOperator(tabq.CompareOp("~"))
	assert.False(t, ok)
}

func TestIsRemotePath(t *testing.T) {
	assert.True(t, isRemotePath("s3://bucket/key.parquet"))
	assert.True(t, isRemotePath("https://example.com/a.csv"))
	assert.False(t, isRemotePath("/tmp/a.parquet"))
	assert.False(t, isRemotePath("data/s3://x"))
}

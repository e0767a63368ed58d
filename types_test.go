package tabq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		raw   string
		want  Literal
		value any
	}{
		{raw: "30", want: Literal{Kind: LiteralInt, Int: 30}, value: int64(30)},
		{raw: " -7 ", want: Literal{Kind: LiteralInt, Int: -7}, value: int64(-7)},
		{raw: "2.5", want: Literal{Kind: LiteralFloat, Float: 2.5}, value: 2.5},
		{raw: "1e3", want: Literal{Kind: LiteralFloat, Float: 1000}, value: 1000.0},
		{raw: `"30"`, want: Literal{Kind: LiteralInt, Int: 30}, value: int64(30)},
		{raw: ` "2.5" `, want: Literal{Kind: LiteralFloat, Float: 2.5}, value: 2.5},
		{raw: `"Paris"`, want: Literal{Kind: LiteralString, Str: "Paris"}, value: "Paris"},
		{raw: "'Rome'", want: Literal{Kind: LiteralString, Str: "Rome"}, value: "Rome"},
		{raw: "Oslo", want: Literal{Kind: LiteralString, Str: "Oslo"}, value: "Oslo"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseLiteral(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.value, got.Value())
		})
	}
}

func TestParseCompareOp(t *testing.T) {
	for _, s := range []string{">", "<", ">=", "<=", "==", "!="} {
		op, ok := ParseCompareOp(s)
		assert.True(t, ok, s)
		assert.Equal(t, CompareOp(s), op)
	}
	for _, s := range []string{"=", "<>", "~", ""} {
		_, ok := ParseCompareOp(s)
		assert.False(t, ok, s)
	}
}

func TestParseAggFunc(t *testing.T) {
	for _, name := range []string{"sum", "mean", "min", "max", "count"} {
		f, ok := ParseAggFunc(name)
		assert.True(t, ok, name)
		assert.Equal(t, AggFunc(name), f)
	}
	_, ok := ParseAggFunc("median")
	assert.False(t, ok)
	_, ok = ParseAggFunc("SUM")
	assert.False(t, ok)
}

func TestPlanStepString(t *testing.T) {
	tests := []struct {
		step PlanStep
		kind StepKind
		want string
	}{
		{LoadSource{Path: "people.parquet"}, StepLoad, `load "people.parquet"`},
		{Filter{Predicate: Predicate{Column: "age", Op: OpGreater, Literal: ParseLiteral("30")}}, StepFilter, "filter age > 30"},
		{Filter{Predicate: Predicate{Column: "city", Op: OpEqual, Literal: ParseLiteral("Paris")}}, StepFilter, `filter city == "Paris"`},
		{Project{Columns: []string{"name", "age"}}, StepProject, `select ["name", "age"]`},
		{GroupBy{Key: "city"}, StepGroupBy, `group_by "city"`},
		{Aggregate{Func: "mean", Column: "age"}, StepAggregate, `agg(mean("age"))`},
		{OrderBy{Column: "age"}, StepOrderBy, `sort "age"`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.step.Kind())
			assert.Equal(t, tt.want, tt.step.String())
		})
	}
}

func TestPayloadSize(t *testing.T) {
	assert.Zero(t, Payload{}.Size())
	assert.Equal(t, int64(3), Payload{Kind: PayloadInline, Bytes: []byte{1, 2, 3}}.Size())
	assert.Equal(t, int64(4096), Payload{Kind: PayloadSpilled, Path: "output_1.feather", FileSize: 4096}.Size())

	assert.False(t, JobResult{Err: ErrNoTableBuilt}.Succeeded())
	assert.True(t, JobResult{Payload: Payload{Kind: PayloadInline}}.Succeeded())
}

func TestSubmissionWait(t *testing.T) {
	t.Run("result is remembered", func(t *testing.T) {
		done := make(chan JobResult, 1)
		done <- JobResult{JobID: 7, Cost: 20}
		sub := NewSubmission(7, JobStatusRunning, 20, done)

		r, err := sub.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(7), r.JobID)

		r, err = sub.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 20, r.Cost)
	})

	t.Run("gives up with the context", func(t *testing.T) {
		done := make(chan JobResult, 1)
		sub := NewSubmission(1, JobStatusQueued, 10, done)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := sub.Wait(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		done <- JobResult{JobID: 1}
		r, err := sub.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), r.JobID)
	})
}

func TestErrorCodes(t *testing.T) {
	notFound := NewSourceNotFoundError("missing.parquet")
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsCorrupt(notFound))
	assert.Equal(t, "missing.parquet", notFound.Details["path"])

	cause := errors.New("bad magic bytes")
	corrupt := NewSourceCorruptError("broken.parquet", cause)
	wrapped := fmt.Errorf("job 3: %w", corrupt)
	assert.True(t, IsCorrupt(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeSourceCorrupt, ErrorCode(wrapped))
	assert.Contains(t, corrupt.Error(), "[engine:SOURCE_CORRUPT]")
	assert.Contains(t, corrupt.Error(), "bad magic bytes")

	assert.Equal(t, ErrCodeUnsupportedAggregate, ErrorCode(NewUnsupportedAggregateError("median")))
	assert.Equal(t, ErrCodeNoTableBuilt, ErrorCode(fmt.Errorf("plan: %w", ErrNoTableBuilt)))
	assert.Empty(t, ErrorCode(errors.New("plain")))
	assert.Empty(t, ErrorCode(nil))
}

func TestParseErrorMessage(t *testing.T) {
	err := &ParseError{LineNo: 2, Line: "frobnicate"}
	assert.Equal(t, "invalid operation at line 2: frobnicate", err.Error())

	err.Reason = "unknown statement"
	assert.Equal(t, "invalid operation at line 2: frobnicate (unknown statement)", err.Error())
}

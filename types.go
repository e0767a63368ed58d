package tabq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepKind identifies a plan step variant.
type StepKind string

const (
	StepLoad      StepKind = "load"
	StepFilter    StepKind = "filter"
	StepProject   StepKind = "select"
	StepGroupBy   StepKind = "group_by"
	StepAggregate StepKind = "agg"
	StepOrderBy   StepKind = "sort"
)

// PlanStep is one typed operation of a query plan.
type PlanStep interface {
	Kind() StepKind
	String() string
}

// Plan is an ordered sequence of plan steps. Order is significant.
type Plan []PlanStep

// LoadSource replaces the current table with a fresh scan of Path.
type LoadSource struct {
	Path string `json:"path"`
}

func (s LoadSource) Kind() StepKind { return StepLoad }
func (s LoadSource) String() string { return "load " + quoteText(s.Path) }

// Filter keeps the rows matching Predicate.
type Filter struct {
	Predicate Predicate `json:"predicate"`
}

func (s Filter) Kind() StepKind { return StepFilter }
func (s Filter) String() string { return "filter " + s.Predicate.String() }

// Project keeps the listed columns, in order.
type Project struct {
	Columns []string `json:"columns"`
}

func (s Project) Kind() StepKind { return StepProject }
func (s Project) String() string {
	quoted := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		quoted[i] = quoteText(c)
	}
	return "select [" + strings.Join(quoted, ", ") + "]"
}

// GroupBy records the grouping key for the aggregates that follow.
type GroupBy struct {
	Key string `json:"key"`
}

func (s GroupBy) Kind() StepKind { return StepGroupBy }
func (s GroupBy) String() string { return "group_by " + quoteText(s.Key) }

// Aggregate applies Func over Column. Func holds the name as written in the
// query; it is validated when the plan is executed.
type Aggregate struct {
	Func   string `json:"func"`
	Column string `json:"column"`
}

func (s Aggregate) Kind() StepKind { return StepAggregate }
func (s Aggregate) String() string { return "agg(" + s.Func + "(" + quoteText(s.Column) + "))" }

// OrderBy sorts ascending by Column.
type OrderBy struct {
	Column string `json:"column"`
}

func (s OrderBy) Kind() StepKind { return StepOrderBy }
func (s OrderBy) String() string { return "sort " + quoteText(s.Column) }

// quoteText renders s the way the plan lexer reads quoted text back:
// contents as written, with only the double quote escaped.
func quoteText(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// CompareOp is a predicate comparison operator.
type CompareOp string

const (
	OpGreater      CompareOp = ">"
	OpLess         CompareOp = "<"
	OpGreaterEqual CompareOp = ">="
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "=="
	OpNotEqual     CompareOp = "!="
)

// ParseCompareOp returns the operator for s, or false.
func ParseCompareOp(s string) (CompareOp, bool) {
	switch op := CompareOp(s); op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return op, true
	default:
		return "", false
	}
}

// LiteralKind is the type assigned to a predicate literal at parse time.
type LiteralKind string

const (
	LiteralInt    LiteralKind = "int"
	LiteralFloat  LiteralKind = "float"
	LiteralString LiteralKind = "string"
)

// Literal is a typed predicate operand.
type Literal struct {
	Kind  LiteralKind `json:"kind"`
	Int   int64       `json:"int,omitempty"`
	Float float64     `json:"float,omitempty"`
	Str   string      `json:"str,omitempty"`
}

// ParseLiteral strips surrounding whitespace and quotes from raw, then types
// it as an integer, a float, or else a string. A quoted number is a number.
func ParseLiteral(raw string) Literal {
	trimmed := strings.Trim(strings.TrimSpace(raw), `"'`)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return Literal{Kind: LiteralInt, Int: i}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return Literal{Kind: LiteralFloat, Float: f}
	}
	return Literal{Kind: LiteralString, Str: trimmed}
}

// Value returns the literal as a Go value suitable as a query argument.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralInt:
		return l.Int
	case LiteralFloat:
		return l.Float
	default:
		return l.Str
	}
}

func (l Literal) String() string {
	switch l.Kind {
	case LiteralInt:
		return strconv.FormatInt(l.Int, 10)
	case LiteralFloat:
		return strconv.FormatFloat(l.Float, 'g', -1, 64)
	default:
		return `"` + l.Str + `"`
	}
}

// Predicate compares a column with a literal.
type Predicate struct {
	Column  string    `json:"column"`
	Op      CompareOp `json:"op"`
	Literal Literal   `json:"literal"`
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Column, p.Op, p.Literal)
}

// AggFunc is a supported aggregate function.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggMean  AggFunc = "mean"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggCount AggFunc = "count"
)

// ParseAggFunc validates an aggregate function name.
func ParseAggFunc(name string) (AggFunc, bool) {
	switch f := AggFunc(name); f {
	case AggSum, AggMean, AggMin, AggMax, AggCount:
		return f, true
	default:
		return "", false
	}
}

// AggregateSpec is a validated aggregate handed to the engine.
type AggregateSpec struct {
	Func   AggFunc
	Column string
}

// JobStatus is the advisory admission status reported at submission time.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusQueued  JobStatus = "queued"
)

// PayloadKind tells how a job result is delivered.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadInline
	PayloadSpilled
)

// Payload is the job output: compressed bytes, a spill path, or nothing.
type Payload struct {
	Kind  PayloadKind
	Bytes []byte
	Path  string
	// FileSize is the size of the spilled file.
	FileSize int64
}

// Size returns the inline byte count or the spilled file size.
func (p Payload) Size() int64 {
	switch p.Kind {
	case PayloadInline:
		return int64(len(p.Bytes))
	case PayloadSpilled:
		return p.FileSize
	default:
		return 0
	}
}

// JobResult is delivered exactly once per job.
type JobResult struct {
	JobID    uint64
	Payload  Payload
	Duration time.Duration
	Cost     int
	// Err is set when the job produced no output.
	Err error
}

// Succeeded reports whether the job produced an output.
func (r JobResult) Succeeded() bool {
	return r.Payload.Kind != PayloadEmpty
}

// MetricsRow is one line of the completed-query log.
type MetricsRow struct {
	Query      string    `json:"query"`
	DurationMs int64     `json:"duration_ms"`
	Cost       int64     `json:"cost"`
	OutputSize int64     `json:"output_size"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Submission is returned by QueryService.Submit. The result is awaited with
// Wait, which reads the job's single-use completion slot.
type Submission struct {
	JobID  uint64
	Status JobStatus
	Cost   int

	done   <-chan JobResult
	result *JobResult
}

// NewSubmission binds a submission to its completion slot.
func NewSubmission(jobID uint64, status JobStatus, cost int, done <-chan JobResult) *Submission {
	return &Submission{JobID: jobID, Status: status, Cost: cost, done: done}
}

// Wait blocks until the job completes or ctx is done. Giving up does not
// cancel the job. Wait is not safe for concurrent use.
func (s *Submission) Wait(ctx context.Context) (JobResult, error) {
	if s.result != nil {
		return *s.result, nil
	}
	select {
	case r := <-s.done:
		s.result = &r
		return r, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// QueryService compiles and runs query plans.
type QueryService interface {
	Submit(ctx context.Context, query string) (*Submission, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

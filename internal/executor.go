package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// Executor runs a plan against an Engine.
type Executor struct {
	engine Engine
}

// NewExecutor creates an executor bound to engine.
func NewExecutor(engine Engine) *Executor {
	return &Executor{engine: engine}
}

// execState is the per-run context: the current table plus the pending
// grouping, which is only materialized once the whole plan has been walked.
type execState struct {
	table    *Table
	groupKey string
	grouped  bool
	aggs     []tabq.AggregateSpec
}

// Execute walks plan in order and returns the resulting table.
//
// Filter, Project and OrderBy before any load are no-ops. GroupBy and
// Aggregate only record intent; the last GroupBy key and every Aggregate are
// applied together at the end. Aggregates with no GroupBy reduce the whole
// table to one row. A plan that never loads a table fails with
// tabq.ErrNoTableBuilt.
func (x *Executor) Execute(ctx context.Context, plan tabq.Plan) (*Table, error) {
	start := time.Now()
	st := &execState{}

	for i, step := range plan {
		if err := x.apply(ctx, st, step); err != nil {
			zap.S().Debugw("plan step failed", "index", i, "step", step.String(), "err", err)
			return nil, err
		}
	}

	if st.table == nil {
		return nil, tabq.ErrNoTableBuilt
	}

	if st.grouped || len(st.aggs) > 0 {
		t, err := x.engine.GroupAggregate(ctx, st.table, st.groupKey, st.aggs)
		if err != nil {
			return nil, err
		}
		st.table = t
	}

	EmitLatency(ctx, "execution", time.Since(start).Milliseconds())
	return st.table, nil
}

func (x *Executor) apply(ctx context.Context, st *execState, step tabq.PlanStep) error {
	var err error
	switch s := step.(type) {
	case tabq.LoadSource:
		st.table, err = x.engine.Load(ctx, s.Path)
	case tabq.Filter:
		if st.table != nil {
			st.table, err = x.engine.Filter(ctx, st.table, s.Predicate)
		}
	case tabq.Project:
		if st.table != nil {
			st.table, err = x.engine.Project(ctx, st.table, s.Columns)
		}
	case tabq.OrderBy:
		if st.table != nil {
			st.table, err = x.engine.Sort(ctx, st.table, s.Column)
		}
	case tabq.GroupBy:
		st.groupKey = s.Key
		st.grouped = true
	case tabq.Aggregate:
		fn, ok := tabq.ParseAggFunc(s.Func)
		if !ok {
			return tabq.NewUnsupportedAggregateError(s.Func)
		}
		st.aggs = append(st.aggs, tabq.AggregateSpec{Func: fn, Column: s.Column})
	default:
		return tabq.NewTabqError(tabq.ErrorTypeExecution, tabq.ErrCodeInvalidStatement,
			fmt.Sprintf("unsupported plan step %T", step))
	}
	return err
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lychee-technology/tabq"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// JobRunner executes a compiled plan for a job and packages its output.
type JobRunner interface {
	Run(ctx context.Context, jobID uint64, plan tabq.Plan) (tabq.Payload, error)
}

// ParseFunc compiles query text into a plan.
type ParseFunc func(query string) (tabq.Plan, error)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	MaxWorkers         int
	MailboxSize        int
	CostPerStep        int
	RejectInvalidPlans bool
	// MetricsTimeout bounds each metrics append; zero means no bound.
	MetricsTimeout time.Duration
}

type job struct {
	id       uint64
	query    string
	plan     tabq.Plan
	parseErr error
	cost     int
	done     chan tabq.JobResult
}

// Scheduler admits jobs under a fixed worker budget.
//
// A single coordinator goroutine owns the active count and the FIFO overflow
// queue. It reacts to two event streams: arrivals from Enqueue and completion
// notices from workers. An arrival starts a worker if fewer than MaxWorkers
// are active, otherwise it joins the queue tail; a completion frees a slot
// and starts the queue head. Every worker sends its completion notice
// unconditionally, so each admitted job runs exactly once.
type Scheduler struct {
	opts     SchedulerOptions
	parse    ParseFunc
	runner   JobRunner
	recorder MetricsRecorder
	pool     *ants.Pool

	arrivals    chan *job
	completions chan struct{}
	drained     chan struct{}

	mu     sync.RWMutex
	closed bool

	nextID *atomic.Uint64
	// outstanding counts jobs enqueued and not yet completed; it drives the
	// advisory status.
	outstanding *atomic.Int64
	// active and queued mirror coordinator state for observers.
	active *atomic.Int64
	queued *atomic.Int64
}

// NewScheduler starts the coordinator. recorder may be nil.
func NewScheduler(opts SchedulerOptions, parse ParseFunc, runner JobRunner, recorder MetricsRecorder) (*Scheduler, error) {
	if opts.MaxWorkers < 1 {
		return nil, fmt.Errorf("max workers must be at least 1, got %d", opts.MaxWorkers)
	}
	if opts.MailboxSize < 1 {
		return nil, fmt.Errorf("mailbox size must be at least 1, got %d", opts.MailboxSize)
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	pool, err := ants.NewPool(opts.MaxWorkers, ants.WithPanicHandler(func(p any) {
		zap.S().Errorw("scheduler worker panicked outside job guard", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	s := &Scheduler{
		opts:        opts,
		parse:       parse,
		runner:      runner,
		recorder:    recorder,
		pool:        pool,
		arrivals:    make(chan *job, opts.MailboxSize),
		completions: make(chan struct{}, opts.MaxWorkers),
		drained:     make(chan struct{}),
		nextID:      atomic.NewUint64(0),
		outstanding: atomic.NewInt64(0),
		active:      atomic.NewInt64(0),
		queued:      atomic.NewInt64(0),
	}
	go s.coordinate()
	return s, nil
}

// Enqueue assigns the next job id, compiles query, estimates its cost and
// hands the job to the coordinator. It blocks while the mailbox is full.
//
// The returned status is advisory: it reflects the number of outstanding
// jobs at submission, not the coordinator's eventual decision.
//
// Unless RejectInvalidPlans is set, a query that fails to parse is still
// scheduled with an empty plan and completes with tabq.ErrNoTableBuilt
// joined with the parse error.
func (s *Scheduler) Enqueue(ctx context.Context, query string) (*tabq.Submission, error) {
	plan, parseErr := s.parse(query)
	if parseErr != nil {
		if s.opts.RejectInvalidPlans {
			return nil, parseErr
		}
		zap.S().Debugw("query failed to parse, scheduling empty plan", "err", parseErr)
		plan = tabq.Plan{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, tabq.ErrSchedulerClosed
	}

	j := &job{
		id:       s.nextID.Inc(),
		query:    query,
		plan:     plan,
		parseErr: parseErr,
		cost:     s.EstimateCost(plan),
		done:     make(chan tabq.JobResult, 1),
	}

	status := tabq.JobStatusQueued
	if s.outstanding.Inc() <= int64(s.opts.MaxWorkers) {
		status = tabq.JobStatusRunning
	}

	select {
	case s.arrivals <- j:
	case <-ctx.Done():
		s.outstanding.Dec()
		return nil, ctx.Err()
	}

	zap.S().Debugw("job enqueued", "jobID", j.id, "status", status, "cost", j.cost)
	return tabq.NewSubmission(j.id, status, j.cost, j.done), nil
}

// EstimateCost is a fixed weight per plan step.
func (s *Scheduler) EstimateCost(plan tabq.Plan) int {
	return len(plan) * s.opts.CostPerStep
}

// ActiveWorkers returns the coordinator's last published active count.
func (s *Scheduler) ActiveWorkers() int {
	return int(s.active.Load())
}

// QueueDepth returns the coordinator's last published queue length.
func (s *Scheduler) QueueDepth() int {
	return int(s.queued.Load())
}

// Close stops accepting jobs and waits until every admitted job has
// completed or ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.arrivals)
	}
	s.mu.Unlock()

	select {
	case <-s.drained:
		s.pool.Release()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) coordinate() {
	defer close(s.drained)

	var queue []*job
	active := 0
	arrivals := s.arrivals

	for arrivals != nil || active > 0 {
		select {
		case j, ok := <-arrivals:
			if !ok {
				arrivals = nil
				continue
			}
			if active < s.opts.MaxWorkers {
				active++
				s.spawn(j)
			} else {
				queue = append(queue, j)
			}
		case <-s.completions:
			active--
			s.outstanding.Dec()
			if len(queue) > 0 {
				next := queue[0]
				queue[0] = nil
				queue = queue[1:]
				active++
				s.spawn(next)
			}
		}
		s.active.Store(int64(active))
		s.queued.Store(int64(len(queue)))
		EmitSchedulerState(context.Background(), active, len(queue))
	}
}

func (s *Scheduler) spawn(j *job) {
	if err := s.pool.Submit(func() { s.work(j) }); err != nil {
		zap.S().Warnw("worker pool rejected job, running on a fresh goroutine", "jobID", j.id, "err", err)
		go s.work(j)
	}
}

// work runs one job. The result is delivered, metrics recorded and the
// completion notice sent no matter how the job ends.
func (s *Scheduler) work(j *job) {
	start := time.Now()
	result := tabq.JobResult{JobID: j.id, Cost: j.cost}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorw("job panicked", "jobID", j.id, "panic", r, "stack", string(debug.Stack()))
			result.Payload = tabq.Payload{}
			result.Err = tabq.NewTabqError(tabq.ErrorTypeInternal, tabq.ErrCodeJobPanicked, fmt.Sprint(r))
		}
		result.Duration = time.Since(start)
		j.done <- result
		s.finish(j, result)
		s.completions <- struct{}{}
	}()

	zap.S().Infow("job started", "jobID", j.id, "steps", len(j.plan))
	payload, err := s.runner.Run(context.Background(), j.id, j.plan)
	if err != nil {
		if j.parseErr != nil {
			err = errors.Join(err, j.parseErr)
		}
		result.Err = err
		return
	}
	result.Payload = payload
}

// finish logs, emits telemetry and appends the metrics row. Nothing here may
// block the completion notice, so recorder panics are contained.
func (s *Scheduler) finish(j *job, result tabq.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorw("metrics recorder panicked", "jobID", j.id, "panic", r)
		}
	}()

	ctx := context.Background()
	outcome := "failed"
	switch result.Payload.Kind {
	case tabq.PayloadInline:
		outcome = "inline"
	case tabq.PayloadSpilled:
		outcome = "spilled"
	}
	EmitJobOutcome(ctx, outcome)
	EmitLatency(ctx, "job", result.Duration.Milliseconds())

	if result.Err != nil {
		zap.S().Warnw("job finished without output", "jobID", j.id, "duration", result.Duration, "err", result.Err)
	} else {
		zap.S().Infow("job finished", "jobID", j.id, "duration", result.Duration, "outcome", outcome)
	}

	if s.opts.MetricsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.MetricsTimeout)
		defer cancel()
	}
	row := tabq.MetricsRow{
		Query:      j.query,
		DurationMs: result.Duration.Milliseconds(),
		Cost:       int64(result.Cost),
		OutputSize: result.Payload.Size(),
		RecordedAt: time.Now(),
	}
	if err := s.recorder.Append(ctx, row); err != nil {
		logRecorderError(j.id, err)
	}
}

// Pipeline runs plans through an Executor and a Materializer.
type Pipeline struct {
	executor     *Executor
	materializer *Materializer
}

// NewPipeline wires an executor to a materializer.
func NewPipeline(executor *Executor, materializer *Materializer) *Pipeline {
	return &Pipeline{executor: executor, materializer: materializer}
}

func (p *Pipeline) Run(ctx context.Context, jobID uint64, plan tabq.Plan) (tabq.Payload, error) {
	table, err := p.executor.Execute(ctx, plan)
	if err != nil {
		return tabq.Payload{}, err
	}
	return p.materializer.Materialize(ctx, jobID, table)
}

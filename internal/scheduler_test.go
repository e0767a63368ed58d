package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type runnerFunc func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error)

func (f runnerFunc) Run(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
	return f(ctx, jobID, p)
}

func inlineOK(_ context.Context, jobID uint64, _ tabq.Plan) (tabq.Payload, error) {
	return tabq.Payload{Kind: tabq.PayloadInline, Bytes: []byte(fmt.Sprint(jobID))}, nil
}

func testSchedulerOptions(workers int) SchedulerOptions {
	return SchedulerOptions{MaxWorkers: workers, MailboxSize: 100, CostPerStep: 10}
}

func newTestScheduler(t *testing.T, opts SchedulerOptions, runner JobRunner, recorder MetricsRecorder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(opts, plan.Parse, runner, recorder)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitResult(t *testing.T, sub *tabq.Submission) tabq.JobResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sub.Wait(ctx)
	require.NoError(t, err)
	return res
}

// gate blocks runners until opened.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }
func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }
func (g *gate) wait() { <-g.ch }
func (g *gate) runner() JobRunner {
	return runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		g.wait()
		return inlineOK(ctx, jobID, p)
	})
}

func TestNewScheduler_InvalidOptions(t *testing.T) {
	_, err := NewScheduler(SchedulerOptions{MaxWorkers: 0, MailboxSize: 1}, plan.Parse, runnerFunc(inlineOK), nil)
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerOptions{MaxWorkers: 1, MailboxSize: 0}, plan.Parse, runnerFunc(inlineOK), nil)
	assert.Error(t, err)
}

func TestScheduler_NeverExceedsWorkerLimit(t *testing.T) {
	const limit, jobs = 3, 24
	current := atomic.NewInt64(0)
	peak := atomic.NewInt64(0)

	runner := runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		n := current.Inc()
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Dec()
		return inlineOK(ctx, jobID, p)
	})
	s := newTestScheduler(t, testSchedulerOptions(limit), runner, nil)

	var wg sync.WaitGroup
	subs := make(chan *tabq.Submission, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := s.Enqueue(context.Background(), `load "p.parquet"`)
			require.NoError(t, err)
			subs <- sub
		}()
	}
	wg.Wait()
	close(subs)

	for sub := range subs {
		res := waitResult(t, sub)
		assert.True(t, res.Succeeded())
	}
	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, int64(limit), peak.Load(), "the pool should saturate")
}

func TestScheduler_DeliversExactlyOneResultPerJob(t *testing.T) {
	s := newTestScheduler(t, testSchedulerOptions(2), runnerFunc(inlineOK), nil)

	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		sub, err := s.Enqueue(context.Background(), "sort \"a\"")
		require.NoError(t, err)
		res := waitResult(t, sub)
		assert.Equal(t, sub.JobID, res.JobID)
		assert.Equal(t, fmt.Sprint(sub.JobID), string(res.Payload.Bytes))
		assert.False(t, seen[res.JobID])
		seen[res.JobID] = true

		again := waitResult(t, sub)
		assert.Equal(t, res, again, "Wait is idempotent")
	}
	assert.Len(t, seen, 10)
}

func TestScheduler_JobIDsStrictlyIncrease(t *testing.T) {
	s := newTestScheduler(t, testSchedulerOptions(4), runnerFunc(inlineOK), nil)

	var last uint64
	for i := 0; i < 20; i++ {
		sub, err := s.Enqueue(context.Background(), "")
		require.NoError(t, err)
		assert.Greater(t, sub.JobID, last)
		last = sub.JobID
	}
	assert.Equal(t, uint64(20), last, "ids start at 1")
}

func TestScheduler_SixSubmissionsFourRunningTwoQueued(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, testSchedulerOptions(4), g.runner(), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var subs []*tabq.Submission
	start := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sub, err := s.Enqueue(context.Background(), `load "p.parquet"`)
			require.NoError(t, err)
			mu.Lock()
			subs = append(subs, sub)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	counts := map[tabq.JobStatus]int{}
	for _, sub := range subs {
		counts[sub.Status]++
	}
	assert.Equal(t, 4, counts[tabq.JobStatusRunning])
	assert.Equal(t, 2, counts[tabq.JobStatusQueued])

	require.Eventually(t, func() bool {
		return s.ActiveWorkers() == 4 && s.QueueDepth() == 2
	}, 5*time.Second, 5*time.Millisecond)

	g.open()
	for _, sub := range subs {
		assert.True(t, waitResult(t, sub).Succeeded())
	}
	require.Eventually(t, func() bool {
		return s.ActiveWorkers() == 0 && s.QueueDepth() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_QueueIsFIFO(t *testing.T) {
	g := newGate()
	var mu sync.Mutex
	var started []uint64
	runner := runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		mu.Lock()
		started = append(started, jobID)
		mu.Unlock()
		if jobID == 1 {
			g.wait()
		}
		return inlineOK(ctx, jobID, p)
	})
	s := newTestScheduler(t, testSchedulerOptions(1), runner, nil)

	var subs []*tabq.Submission
	for i := 0; i < 5; i++ {
		sub, err := s.Enqueue(context.Background(), "")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	require.Eventually(t, func() bool { return s.QueueDepth() == 4 }, 5*time.Second, 5*time.Millisecond)

	g.open()
	for _, sub := range subs {
		waitResult(t, sub)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, started)
}

func TestScheduler_PanickingJobDoesNotStallOthers(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		if jobID%2 == 1 {
			panic("boom")
		}
		return inlineOK(ctx, jobID, p)
	})
	s := newTestScheduler(t, testSchedulerOptions(1), runner, nil)

	for i := 1; i <= 6; i++ {
		sub, err := s.Enqueue(context.Background(), "")
		require.NoError(t, err)
		res := waitResult(t, sub)
		if i%2 == 1 {
			assert.False(t, res.Succeeded())
			assert.Equal(t, tabq.ErrCodeJobPanicked, tabq.ErrorCode(res.Err))
		} else {
			assert.True(t, res.Succeeded())
		}
	}
}

func TestScheduler_FailedJobStillCompletes(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		return tabq.Payload{}, tabq.NewSourceNotFoundError("missing.parquet")
	})
	rec := &stubRecorder{}
	s := newTestScheduler(t, testSchedulerOptions(1), runner, rec)

	sub, err := s.Enqueue(context.Background(), `load "missing.parquet"`)
	require.NoError(t, err)
	res := waitResult(t, sub)
	assert.False(t, res.Succeeded())
	assert.True(t, tabq.IsNotFound(res.Err))
	assert.Equal(t, 10, res.Cost)

	require.NoError(t, s.Close(context.Background()))
	require.Len(t, rec.rows, 1)
	assert.Equal(t, int64(0), rec.rows[0].OutputSize)
}

func TestScheduler_UnparseableQueryFailsAsNoTable(t *testing.T) {
	pipeline := runnerFunc(func(ctx context.Context, jobID uint64, p tabq.Plan) (tabq.Payload, error) {
		_, err := NewExecutor(&fakeEngine{}).Execute(ctx, p)
		return tabq.Payload{}, err
	})
	s := newTestScheduler(t, testSchedulerOptions(2), pipeline, nil)

	sub, err := s.Enqueue(context.Background(), "this is not a statement\nload \"p.parquet\"")
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Cost, "empty plan costs nothing")

	res := waitResult(t, sub)
	assert.ErrorIs(t, res.Err, tabq.ErrNoTableBuilt)
	var pe *tabq.ParseError
	require.True(t, errors.As(res.Err, &pe))
	assert.Equal(t, 1, pe.LineNo)
	assert.Equal(t, "this is not a statement", pe.Line)
}

func TestScheduler_RejectInvalidPlans(t *testing.T) {
	opts := testSchedulerOptions(2)
	opts.RejectInvalidPlans = true
	s := newTestScheduler(t, opts, runnerFunc(inlineOK), nil)

	_, err := s.Enqueue(context.Background(), "bogus")
	var pe *tabq.ParseError
	require.True(t, errors.As(err, &pe))

	sub, err := s.Enqueue(context.Background(), `load "p.parquet"`)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.JobID, "rejected queries do not consume ids")
}

func TestScheduler_CostIsFixedWeightPerStep(t *testing.T) {
	s := newTestScheduler(t, testSchedulerOptions(1), runnerFunc(inlineOK), nil)

	sub, err := s.Enqueue(context.Background(), "load \"a.parquet\"\nfilter x > 1\ngroup_by \"k\".agg(sum(\"v\"))\nsort \"k\"")
	require.NoError(t, err)
	assert.Equal(t, 50, sub.Cost)
	assert.Equal(t, 50, waitResult(t, sub).Cost)
}

func TestScheduler_MetricsFailureIsIsolated(t *testing.T) {
	rec := &stubRecorder{err: errors.New("disk full")}
	s := newTestScheduler(t, testSchedulerOptions(1), runnerFunc(inlineOK), rec)

	sub, err := s.Enqueue(context.Background(), `load "p.parquet"`)
	require.NoError(t, err)
	assert.True(t, waitResult(t, sub).Succeeded())

	require.NoError(t, s.Close(context.Background()))
	require.Len(t, rec.rows, 1)
	assert.Equal(t, `load "p.parquet"`, rec.rows[0].Query)
	assert.Equal(t, int64(10), rec.rows[0].Cost)
	assert.Equal(t, int64(1), rec.rows[0].OutputSize)
}

type panickingRecorder struct{}

func (panickingRecorder) Append(context.Context, tabq.MetricsRow) error { panic("recorder bug") }

func TestScheduler_RecorderPanicIsContained(t *testing.T) {
	s := newTestScheduler(t, testSchedulerOptions(1), runnerFunc(inlineOK), panickingRecorder{})
	for i := 0; i < 3; i++ {
		sub, err := s.Enqueue(context.Background(), "")
		require.NoError(t, err)
		assert.True(t, waitResult(t, sub).Succeeded())
	}
}

func TestScheduler_FullMailboxBlocksEnqueue(t *testing.T) {
	work := newGate()
	coordinator := newGate()
	parked := make(chan struct{}, 1)
	// The coordinator publishes its state synchronously; holding that call
	// keeps it from draining the mailbox.
	RegisterTelemetryEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		if name != MetricActiveWorkers {
			return
		}
		select {
		case parked <- struct{}{}:
		default:
		}
		coordinator.wait()
	})

	opts := SchedulerOptions{MaxWorkers: 1, MailboxSize: 1, CostPerStep: 10}
	s := newTestScheduler(t, opts, work.runner(), nil)
	t.Cleanup(func() {
		coordinator.open()
		work.open()
		RegisterTelemetryEmitter(nil)
	})

	ctx := context.Background()
	first, err := s.Enqueue(ctx, `load "a.parquet"`)
	require.NoError(t, err)
	assert.Equal(t, tabq.JobStatusRunning, first.Status)
	select {
	case <-parked:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator never admitted the first job")
	}

	second, err := s.Enqueue(ctx, `load "b.parquet"`)
	require.NoError(t, err, "one mailbox slot is free")
	assert.Equal(t, tabq.JobStatusQueued, second.Status)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	abandoned, err := s.Enqueue(short, `load "c.parquet"`)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, abandoned)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	type enqueued struct {
		sub *tabq.Submission
		err error
	}
	blocked := make(chan enqueued, 1)
	go func() {
		sub, err := s.Enqueue(ctx, `load "d.parquet"`)
		blocked <- enqueued{sub, err}
	}()
	select {
	case <-blocked:
		t.Fatal("enqueue returned while the mailbox was full")
	case <-time.After(50 * time.Millisecond):
	}

	coordinator.open()
	var fourth enqueued
	select {
	case fourth = <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue stayed blocked after the mailbox drained")
	}
	require.NoError(t, fourth.err)
	assert.Equal(t, tabq.JobStatusQueued, fourth.sub.Status)
	assert.Greater(t, fourth.sub.JobID, second.JobID)

	work.open()
	for _, sub := range []*tabq.Submission{first, second, fourth.sub} {
		assert.True(t, waitResult(t, sub).Succeeded())
	}
	require.Eventually(t, func() bool {
		return s.ActiveWorkers() == 0 && s.QueueDepth() == 0
	}, 5*time.Second, 5*time.Millisecond)

	// the abandoned submission no longer counts as outstanding
	next, err := s.Enqueue(ctx, `load "e.parquet"`)
	require.NoError(t, err)
	assert.Equal(t, tabq.JobStatusRunning, next.Status)
	assert.True(t, waitResult(t, next).Succeeded())
}

func TestScheduler_CloseDrainsQueuedJobs(t *testing.T) {
	g := newGate()
	s := newTestScheduler(t, testSchedulerOptions(1), g.runner(), nil)

	var subs []*tabq.Submission
	for i := 0; i < 3; i++ {
		sub, err := s.Enqueue(context.Background(), "")
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := s.Enqueue(context.Background(), "")
		return errors.Is(err, tabq.ErrSchedulerClosed)
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned before jobs finished")
	case <-time.After(20 * time.Millisecond):
	}

	g.open()
	require.NoError(t, <-closed)
	for _, sub := range subs {
		assert.True(t, waitResult(t, sub).Succeeded())
	}
}

func TestScheduler_CloseHonoursContext(t *testing.T) {
	g := newGate()
	defer g.open()
	s := newTestScheduler(t, testSchedulerOptions(1), g.runner(), nil)

	_, err := s.Enqueue(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
}

func TestSubmission_WaitHonoursContext(t *testing.T) {
	g := newGate()
	defer g.open()
	s := newTestScheduler(t, testSchedulerOptions(1), g.runner(), nil)

	sub, err := s.Enqueue(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sub.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeline_EndToEnd(t *testing.T) {
	e, client := newTestEngine(t)
	path := writeParquet(t, client, "p.parquet", `SELECT * FROM (VALUES (20), (40)) AS t(age)`)
	m, _ := newTestMaterializer(t, e, nil)

	parquetRec := NewParquetMetricsRecorder(client.DB, t.TempDir())
	s := newTestScheduler(t, testSchedulerOptions(4), NewPipeline(NewExecutor(e), m), parquetRec)

	sub, err := s.Enqueue(context.Background(), fmt.Sprintf("load %q\nfilter age > 30", path))
	require.NoError(t, err)
	assert.Equal(t, tabq.JobStatusRunning, sub.Status)

	res := waitResult(t, sub)
	require.NoError(t, res.Err)
	require.Equal(t, tabq.PayloadInline, res.Payload.Kind)
	assert.Equal(t, 20, res.Cost)

	require.NoError(t, s.Close(context.Background()))
	rows, err := parquetRec.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(len(res.Payload.Bytes)), rows[0].OutputSize)
}

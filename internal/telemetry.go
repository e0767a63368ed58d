package internal

import (
	"context"
	"sync"
)

// Telemetry hook layer. Components call the Emit* helpers; a real backend
// (see PrometheusTelemetry) or a test stub is installed with
// RegisterTelemetryEmitter. The default emitter is a no-op.

// Metric names passed to the emitter.
const (
	MetricStageLatency  = "tabq_stage_latency_ms"
	MetricJobOutcome    = "tabq_job_outcome"
	MetricActiveWorkers = "tabq_active_workers"
	MetricQueueDepth    = "tabq_queue_depth"
	MetricOutputBytes   = "tabq_output_bytes"
)

// TelemetryEmitter receives one measurement.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	teleMu   sync.RWMutex
	teleImpl TelemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterTelemetryEmitter installs fn; nil restores the no-op emitter.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emit(ctx context.Context, name string, labels map[string]string, value any) {
	teleMu.RLock()
	fn := teleImpl
	teleMu.RUnlock()
	fn(ctx, name, labels, value)
}

// EmitLatency records a latency (milliseconds) for a named stage:
// "execution", "materialize" or "job".
func EmitLatency(ctx context.Context, stage string, ms int64) {
	emit(ctx, MetricStageLatency, map[string]string{"stage": stage}, ms)
}

// EmitJobOutcome counts a finished job: "inline", "spilled" or "failed".
func EmitJobOutcome(ctx context.Context, outcome string) {
	emit(ctx, MetricJobOutcome, map[string]string{"outcome": outcome}, int64(1))
}

// EmitSchedulerState publishes the coordinator's active count and queue depth.
func EmitSchedulerState(ctx context.Context, active, queued int) {
	emit(ctx, MetricActiveWorkers, nil, int64(active))
	emit(ctx, MetricQueueDepth, nil, int64(queued))
}

// EmitOutputBytes records the size of a delivered payload.
func EmitOutputBytes(ctx context.Context, kind string, n int64) {
	emit(ctx, MetricOutputBytes, map[string]string{"kind": kind}, n)
}

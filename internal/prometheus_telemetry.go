package internal

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusTelemetry is a TelemetryEmitter backed by Prometheus collectors
// on a private registry.
type PrometheusTelemetry struct {
	registry *prometheus.Registry

	stageLatency  *prometheus.HistogramVec
	jobOutcomes   *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	queueDepth    prometheus.Gauge
	outputBytes   *prometheus.HistogramVec
}

// NewPrometheusTelemetry creates and registers the collectors under namespace.
func NewPrometheusTelemetry(namespace string) *PrometheusTelemetry {
	p := &PrometheusTelemetry{
		registry: prometheus.NewRegistry(),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per query stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Completed jobs by outcome.",
		}, []string{"outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Jobs currently executing.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the overflow queue.",
		}),
		outputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_size_bytes",
			Help:      "Size of delivered results.",
			// 1KB to 1GB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 11),
		}, []string{"kind"}),
	}

	p.registry.MustRegister(
		p.stageLatency,
		p.jobOutcomes,
		p.activeWorkers,
		p.queueDepth,
		p.outputBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Emit implements TelemetryEmitter.
func (p *PrometheusTelemetry) Emit(_ context.Context, name string, labels map[string]string, value any) {
	v, ok := asFloat(value)
	if !ok {
		return
	}
	switch name {
	case MetricStageLatency:
		p.stageLatency.WithLabelValues(labels["stage"]).Observe(v / 1000)
	case MetricJobOutcome:
		p.jobOutcomes.WithLabelValues(labels["outcome"]).Add(v)
	case MetricActiveWorkers:
		p.activeWorkers.Set(v)
	case MetricQueueDepth:
		p.queueDepth.Set(v)
	case MetricOutputBytes:
		p.outputBytes.WithLabelValues(labels["kind"]).Observe(v)
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusTelemetry) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusTelemetry) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

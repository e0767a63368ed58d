package factory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/internal"
	"github.com/lychee-technology/tabq/internal/plan"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service is the QueryService assembled from a *tabq.Config.
type Service struct {
	cfg          *tabq.Config
	client       *internal.DuckDBClient
	scheduler    *internal.Scheduler
	materializer *internal.Materializer
	telemetry    *internal.PrometheusTelemetry
	uploader     *internal.S3SpillUploader
	metricsPool  *pgxpool.Pool
}

var _ tabq.QueryService = (*Service)(nil)

// NewQueryService wires the engine, materializer, metrics sinks and scheduler
// described by config. This is the primary way for binaries to obtain a
// running service.
//
// Usage:
//
//	cfg := tabq.DefaultConfig()
//	svc, err := factory.NewQueryService(ctx, cfg)
//	if err != nil {
//	    // handle error
//	}
//	defer svc.Close()
//
//	sub, err := svc.Submit(ctx, "load \"people.parquet\"\nfilter age > 30")
//	res, err := sub.Wait(ctx)
func NewQueryService(ctx context.Context, config *tabq.Config) (_ *Service, err error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	svc := &Service{cfg: config}
	defer func() {
		if err != nil {
			_ = svc.release()
		}
	}()

	svc.client, err = internal.NewDuckDBClient(config.DuckDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}

	if config.Metrics.Prometheus {
		svc.telemetry = internal.NewPrometheusTelemetry(config.Metrics.Namespace)
		internal.RegisterTelemetryEmitter(svc.telemetry.Emit)
	}

	engine := internal.NewDuckDBEngine(svc.client,
		internal.WithRemoteBreaker(internal.NewCircuitBreaker("remote-sources", 5, time.Minute, 30*time.Second)))

	var uploader internal.SpillUploader
	if config.S3.Enabled {
		if err = internal.ValidateS3Config(config.S3); err != nil {
			return nil, err
		}
		svc.uploader, err = internal.NewS3SpillUploader(ctx, config.S3,
			internal.NewCircuitBreaker("s3-spill", 3, time.Minute, time.Minute))
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 uploader: %w", err)
		}
		if err = svc.uploader.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		uploader = svc.uploader
	}

	svc.materializer, err = internal.NewMaterializer(engine, internal.MaterializerConfig{
		InlineThreshold: config.Output.InlineThresholdBytes,
		SpillDir:        config.Output.SpillDir,
		Level:           config.Output.CompressionLevel,
	}, uploader)
	if err != nil {
		return nil, err
	}

	recorder, err := svc.buildRecorder(ctx)
	if err != nil {
		return nil, err
	}

	svc.scheduler, err = internal.NewScheduler(schedulerOptions(config), plan.Parse, internal.NewPipeline(internal.NewExecutor(engine), svc.materializer), recorder)
	if err != nil {
		return nil, err
	}

	zap.S().Infow("query service ready",
		"maxWorkers", config.Scheduler.MaxWorkers,
		"mailbox", config.Scheduler.MailboxSize,
		"inlineThreshold", config.Output.InlineThresholdBytes,
		"spillDir", config.Output.SpillDir,
		"s3", config.S3.Enabled,
		"postgresMetrics", config.Metrics.Postgres.Enabled)
	return svc, nil
}

// schedulerOptions maps the config onto the scheduler. The metrics bound
// covers every sink; the Postgres sink also applies its own timeout per insert.
func schedulerOptions(config *tabq.Config) internal.SchedulerOptions {
	return internal.SchedulerOptions{
		MaxWorkers:         config.Scheduler.MaxWorkers,
		MailboxSize:        config.Scheduler.MailboxSize,
		CostPerStep:        config.Scheduler.CostPerStep,
		RejectInvalidPlans: config.Scheduler.RejectInvalidPlans,
		MetricsTimeout:     config.Metrics.Timeout,
	}
}

func (s *Service) buildRecorder(ctx context.Context) (internal.MetricsRecorder, error) {
	if !s.cfg.Metrics.Enabled {
		return internal.NopRecorder{}, nil
	}
	recorders := internal.MultiRecorder{internal.NewParquetMetricsRecorder(s.client.DB, s.cfg.Metrics.Dir)}

	pg := s.cfg.Metrics.Postgres
	if pg.Enabled {
		pool, err := internal.NewPostgresMetricsPool(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect metrics database: %w", err)
		}
		s.metricsPool = pool
		rec := internal.NewPostgresMetricsRecorder(pool, pg.Table, pg.Timeout,
			internal.NewCircuitBreaker("pg-metrics", 3, time.Minute, time.Minute))
		if err := rec.EnsureTable(ctx); err != nil {
			return nil, err
		}
		recorders = append(recorders, rec)
	}
	return recorders, nil
}

// Submit schedules query and returns its submission handle.
func (s *Service) Submit(ctx context.Context, query string) (*tabq.Submission, error) {
	return s.scheduler.Enqueue(ctx, query)
}

// HealthCheck verifies the engine and, when configured, the metrics database
// and the spill bucket.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.HealthCheck(ctx); err != nil {
		return err
	}
	if s.metricsPool != nil {
		if err := s.metricsPool.Ping(ctx); err != nil {
			return fmt.Errorf("metrics database unreachable: %w", err)
		}
	}
	if s.uploader != nil {
		if err := s.uploader.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// MetricsHandler serves the Prometheus registry, or nil when disabled.
func (s *Service) MetricsHandler() http.Handler {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.Handler()
}

// ActiveWorkers reports the number of running jobs.
func (s *Service) ActiveWorkers() int { return s.scheduler.ActiveWorkers() }

// QueueDepth reports the number of jobs waiting for a worker.
func (s *Service) QueueDepth() int { return s.scheduler.QueueDepth() }

// Close drains admitted jobs for up to Server.ShutdownTimeout, then releases
// every resource.
func (s *Service) Close() error {
	var err error
	if s.scheduler != nil {
		ctx := context.Background()
		if s.cfg.Server.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
			defer cancel()
		}
		err = multierr.Append(err, s.scheduler.Close(ctx))
	}
	return multierr.Append(err, s.release())
}

func (s *Service) release() error {
	var err error
	if s.materializer != nil {
		err = multierr.Append(err, s.materializer.Close())
	}
	if s.metricsPool != nil {
		s.metricsPool.Close()
	}
	if s.client != nil {
		err = multierr.Append(err, s.client.Close())
	}
	if s.telemetry != nil {
		internal.RegisterTelemetryEmitter(nil)
	}
	return err
}

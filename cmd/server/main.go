package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/factory"
	"go.uber.org/zap"
)

// Server exposes a QueryService over HTTP.
type Server struct {
	service      tabq.QueryService
	metrics      http.Handler
	maxBodyBytes int64
	mux          *http.ServeMux
}

// NewServer creates a new Server instance. metrics may be nil.
func NewServer(service tabq.QueryService, metrics http.Handler, maxBodyBytes int64) *Server {
	return &Server{
		service:      service,
		metrics:      metrics,
		maxBodyBytes: maxBodyBytes,
		mux:          http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/run-query", s.handleRunQuery)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

// Handler returns the routed handler wrapped in the request middlewares.
func (s *Server) Handler() http.Handler {
	return withRequestID(withCORS(s.mux))
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		// logger is not configured yet
		zap.L().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := factory.NewQueryService(ctx, cfg)
	if err != nil {
		sugar.Fatalf("failed to create query service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			sugar.Warnw("query service close", "err", err)
		}
	}()

	if getEnvBool("SKIP_SERVER", false) {
		sugar.Info("SKIP_SERVER set, exiting after startup")
		return
	}

	server := NewServer(svc, svc.MetricsHandler(), cfg.Server.MaxBodyBytes)
	server.RegisterRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sugar.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	sugar.Infow("starting server", "port", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorf("server error: %v", err)
		os.Exit(1)
	}
	sugar.Info("server stopped")
}

// newLogger builds a production logger, or a development console logger
// when the format is "console".
func newLogger(cfg tabq.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// Package app is the composition root: it turns a loaded configuration into
// running engines, an export worker and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"ravesim/internal/adapters/archive"
	"ravesim/internal/adapters/rws"
	"ravesim/internal/blob"
	"ravesim/internal/config"
	"ravesim/internal/core"
	"ravesim/internal/logging"
	"ravesim/internal/telemetry"
)

// App owns every long-lived component built from one configuration.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *core.Registry
	Exports  *archive.Worker
	Metrics  *prometheus.Registry

	shutdownTracing func(context.Context) error
}

// Option adjusts how New builds the application.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  core.Clock
	tracer trace.TracerProvider
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock pins the wall clock of every engine.
func WithClock(clock core.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithTracerProvider skips OTLP setup and traces through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// New builds and initializes one engine per configured study. Engines are
// initialized (restored or seeded) but their timers are not started.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	}

	a := &App{Config: cfg, Logger: logger, Registry: core.NewRegistry()}

	var recorder core.MetricsRecorder
	if cfg.Observability.Metrics {
		a.Metrics = prometheus.NewRegistry()
		a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec, err := core.NewPrometheusMetricsRecorder(a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		recorder = rec
	}

	tp := o.tracer
	a.shutdownTracing = func(context.Context) error { return nil }
	if tp == nil {
		provider, shutdown, err := telemetry.Setup(ctx, cfg.Observability.OTLPEndpoint, cfg.Observability.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		tp, a.shutdownTracing = provider, shutdown
	}

	for _, sc := range cfg.AllStudies() {
		study := sc.DomainStudy()
		store, err := core.OpenSnapshotStore(ctx, cfg.PersistenceSettings(), study.OID)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("open snapshot store for %s: %w", study.OID, err)
		}
		engine := core.NewEngine(study, cfg.EngineSettings(sc),
			core.WithLogger(logger.With("component", "engine")),
			core.WithClock(o.clock),
			core.WithMetrics(recorder),
			core.WithTracer(core.NewOTelTracer(tp, study)),
			core.WithSnapshotStore(store),
		)
		engine.Initialize(ctx)
		if err := a.Registry.Register(engine); err != nil {
			_ = engine.Close()
			_ = a.Close(ctx)
			return nil, err
		}
		logger.Info("study ready", "study", study.OID, "restored", engine.Restored(), "persistence", cfg.Persistence.Enabled)
	}

	exportStore, err := blob.Open(ctx, cfg.Export.Blob.ToBlob())
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open export store: %w", err)
	}
	a.Exports = archive.NewWorker(a.Registry, exportStore,
		archive.WithPrefix(cfg.Export.Prefix),
		archive.WithURLExpiry(time.Duration(cfg.Export.URLExpirySeconds)*time.Second),
		archive.WithLogger(logger.With("component", "archive")),
	)
	return a, nil
}

// Handler returns the HTTP surface: RWS paths, control and export endpoints,
// plus /metrics when metrics are enabled.
func (a *App) Handler() http.Handler {
	h := rws.NewHandler(a.Registry)
	h.Exports = a.Exports
	h.Version = a.Config.Service.Version
	h.Logger = a.Logger.With("component", "rws")
	if a.Metrics == nil {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
	mux.Handle("/", h)
	return mux
}

// StartTimers starts automatic ticking on every engine with an interval.
func (a *App) StartTimers() {
	for _, e := range a.Registry.Engines() {
		if e.Start() {
			a.Logger.Info("auto-tick started", "study", e.Study().OID, "interval", e.Settings().Interval)
		}
	}
}

// Close stops the export worker and engines and flushes traces.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Exports != nil {
		if err := a.Exports.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop exports: %w", err))
		}
	}
	if err := a.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

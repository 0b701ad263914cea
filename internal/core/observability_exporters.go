package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ravesim/pkg/domain"
)

// PrometheusMetricsRecorder exports operation outcomes and per-tick detail as
// Prometheus collectors registered on the supplied registerer.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	audits     *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	ticks      *prometheus.GaugeVec
}

// NewPrometheusMetricsRecorder registers the simulator collectors on reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravesim",
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ravesim",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravesim",
			Name:      "audit_records_total",
			Help:      "Audit records appended by ticks.",
		}, []string{"study"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravesim",
			Name:      "visit_outcomes_total",
			Help:      "Visit evaluations by resulting status.",
		}, []string{"study", "status"}),
		ticks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravesim",
			Name:      "ticks",
			Help:      "Tick counter per study.",
		}, []string{"study"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations, r.audits, r.outcomes, r.ticks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveTick implements TickObserver.
func (r *PrometheusMetricsRecorder) ObserveTick(_ context.Context, studyOID string, res TickResult) {
	r.audits.WithLabelValues(studyOID).Add(float64(res.AuditCreated))
	r.ticks.WithLabelValues(studyOID).Set(float64(res.Tick))
	for status, n := range res.Outcomes {
		r.outcomes.WithLabelValues(studyOID, string(status)).Add(float64(n))
	}
}

// OTelTracer adapts an OpenTelemetry tracer provider to Tracer.
type OTelTracer struct {
	tracer trace.Tracer
	study  string
}

// NewOTelTracer returns a tracer whose spans carry the study OID attribute.
func NewOTelTracer(tp trace.TracerProvider, study domain.Study) *OTelTracer {
	return &OTelTracer{tracer: tp.Tracer("ravesim/internal/core"), study: study.OID}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, "engine."+operation, trace.WithAttributes(attribute.String("ravesim.study", t.study)))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

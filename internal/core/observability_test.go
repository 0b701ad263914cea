package core

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestPrometheusRecorderCountsTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	e := newTestEngine(t, testSettings(nil), WithMetrics(rec), WithRandom(&scriptedRandom{fallback: 0.5}))
	mustTick(t, e)
	mustTick(t, e)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues("tick", "success")); got != 2 {
		t.Fatalf("expected 2 successful ticks, got %v", got)
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("initialize", "success")); got != 1 {
		t.Fatalf("expected 1 initialize, got %v", got)
	}
	if got := testutil.ToFloat64(rec.ticks.WithLabelValues(testStudy.OID)); got != 2 {
		t.Fatalf("expected tick gauge 2, got %v", got)
	}
	audits := testutil.ToFloat64(rec.audits.WithLabelValues(testStudy.OID))
	if int(audits) != len(allAudits(t, e)) {
		t.Fatalf("audit counter %v does not match ledger size %d", audits, len(allAudits(t, e)))
	}
	if got := testutil.ToFloat64(rec.outcomes.WithLabelValues(testStudy.OID, "Completed")); got != 10 {
		t.Fatalf("expected 10 completed evaluations, got %v", got)
	}

	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestPrometheusRecorderCountsPersistFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	e := newTestEngine(t, testSettings(nil), WithMetrics(rec), WithSnapshotStore(&failingStore{}))
	mustTick(t, e)
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("persist", "error")); got != 2 {
		t.Fatalf("expected 2 failed persists, got %v", got)
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := NewOTelTracer(tp, testStudy)
	e := newTestEngine(t, testSettings(nil), WithTracer(tracer))
	mustTick(t, e)

	ended := recorder.Ended()
	names := make(map[string]bool, len(ended))
	for _, span := range ended {
		names[span.Name()] = true
		found := false
		for _, attr := range span.Attributes() {
			if string(attr.Key) == "ravesim.study" && attr.Value.AsString() == testStudy.OID {
				found = true
			}
		}
		if !found {
			t.Fatalf("span %s missing study attribute", span.Name())
		}
	}
	if !names["engine.initialize"] || !names["engine.tick"] {
		t.Fatalf("expected initialize and tick spans, got %v", names)
	}

	_, span := tracer.Start(context.Background(), "reset")
	span.End(errors.New("boom"))
	last := recorder.Ended()[len(recorder.Ended())-1]
	if last.Status().Code != codes.Error || last.Status().Description != "boom" {
		t.Fatalf("expected error status, got %+v", last.Status())
	}
}

package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestNilTracerProducesUsableSpans(t *testing.T) {
	var tr *Tracer

	ctx, span := tr.StartReportSpan(context.Background(), "wi-1", "dev-a", "succeeded")
	if span == nil {
		t.Fatal("expected a usable span from a nil tracer")
	}
	EndSpan(span, errors.New("boom"))

	if got := TraceID(ctx); got != "" {
		t.Errorf("expected no trace id without a recording span, got %s", got)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("nil tracer shutdown failed: %v", err)
	}
	if err := tr.ForceFlush(context.Background()); err != nil {
		t.Errorf("nil tracer flush failed: %v", err)
	}
}

func TestTracerDisabledByConfig(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "fleetwork-test", "dev", "test")
	if err != nil {
		t.Fatalf("disabled tracer failed: %v", err)
	}
	defer func() { _ = tr.Shutdown(context.Background()) }()

	_, span := tr.StartEvaluationSpan(context.Background(), "wi-1")
	EndSpan(span, nil)
}

func TestTracerRecordsSpansWithoutExporter(t *testing.T) {
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1.0,
	}
	tr, err := NewTracer(cfg, "fleetwork-test", "dev", "test")
	if err != nil {
		t.Fatalf("tracer failed: %v", err)
	}
	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, span := tr.StartRequestSpan(context.Background(), "POST", "/api/v1/workitems")
	defer span.End()

	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span")
	}
	if TraceID(ctx) == "" {
		t.Error("expected a trace id on the span context")
	}
	if SpanID(ctx) == "" {
		t.Error("expected a span id on the span context")
	}

	// Child spans share the parent's trace.
	childCtx, child := tr.StartEvaluationSpan(ctx, "wi-1")
	defer child.End()
	if TraceID(childCtx) != TraceID(ctx) {
		t.Error("expected the child span to stay in the parent's trace")
	}
}

func TestTracerRejectsUnknownExporter(t *testing.T) {
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "jaeger",
		SamplingRate: 1.0,
	}
	if _, err := NewTracer(cfg, "fleetwork-test", "dev", "test"); err == nil {
		t.Fatal("expected an error for an unsupported exporter")
	}
}

func TestConfigValidatesTracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected an invalid exporter to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.SamplingRate = 2.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected an out-of-range sampling rate to fail validation")
	}
}

package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracer(t *testing.T) (*UpdateTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewUpdateTracer(tp.Tracer("test")), exporter
}

func TestUpdateTracer_StartInvocation(t *testing.T) {
	ut, exporter := newTestTracer(t)

	ctx, span := ut.StartInvocation(context.Background(), "records", 3)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "manifest.update" {
		t.Errorf("expected span name 'manifest.update', got %q", spans[0].Name)
	}

	foundStrategy, foundCount := false, false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "manifest.strategy" && attr.Value.AsString() == "records" {
			foundStrategy = true
		}
		if string(attr.Key) == "manifest.notifications" && attr.Value.AsInt64() == 3 {
			foundCount = true
		}
	}
	if !foundStrategy {
		t.Error("expected manifest.strategy attribute")
	}
	if !foundCount {
		t.Error("expected manifest.notifications attribute")
	}
}

func TestUpdateTracer_StepIsChildOfInvocation(t *testing.T) {
	ut, exporter := newTestTracer(t)

	ctx, parent := ut.StartInvocation(context.Background(), "document", 1)
	_, step := ut.StartStep(ctx, "head", "cat.png")
	step.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "manifest.step.head" {
		t.Errorf("unexpected span name: %q", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("expected client span kind, got %v", spans[0].SpanKind)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("step span should be a child of the invocation span")
	}
}

func TestUpdateTracer_StartDelivery(t *testing.T) {
	ut, exporter := newTestTracer(t)

	_, span := ut.StartDelivery(context.Background(), "sqs")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "manifest.delivery.sqs" {
		t.Errorf("unexpected span name: %q", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindConsumer {
		t.Errorf("expected consumer span kind, got %v", spans[0].SpanKind)
	}
}

func TestUpdateTracer_End(t *testing.T) {
	ut, exporter := newTestTracer(t)

	_, failed := ut.StartInvocation(context.Background(), "records", 1)
	ut.End(failed, errors.New("something failed"))
	_, ok := ut.StartInvocation(context.Background(), "records", 1)
	ut.End(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
	if spans[1].Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[1].Status.Code)
	}
}

func TestUpdateTracer_RecordError_Nil(t *testing.T) {
	ut, exporter := newTestTracer(t)

	_, span := ut.StartInvocation(context.Background(), "records", 1)
	ut.RecordError(span, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("expected non-error status for nil error")
	}
}

func TestNewUpdateTracer_NilTracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ut := NewUpdateTracer(nil)
	if ut.tracer == nil {
		t.Fatal("expected non-nil tracer from global provider")
	}
	_, span := ut.StartInvocation(context.Background(), "records", 1)
	span.End()
	if len(exporter.GetSpans()) != 1 {
		t.Error("expected span to be exported through the global provider")
	}
}

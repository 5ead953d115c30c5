package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UpdateTracer creates spans around manifest update invocations and the
// storage steps inside them.
type UpdateTracer struct {
	tracer trace.Tracer
}

// NewUpdateTracer creates an UpdateTracer. If tracer is nil, the global
// tracer provider is used.
func NewUpdateTracer(tracer trace.Tracer) *UpdateTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("imagemanifest.updater")
	}
	return &UpdateTracer{tracer: tracer}
}

// StartInvocation begins a span for one batch of notifications.
func (u *UpdateTracer) StartInvocation(ctx context.Context, strategy string, notifications int) (context.Context, trace.Span) {
	return u.tracer.Start(ctx, "manifest.update",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("manifest.strategy", strategy),
			attribute.Int("manifest.notifications", notifications),
		),
	)
}

// StartStep begins a child span for a single storage step such as
// load, head, put or materialize.
func (u *UpdateTracer) StartStep(ctx context.Context, step, key string) (context.Context, trace.Span) {
	return u.tracer.Start(ctx, "manifest.step."+step,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("manifest.step", step),
			attribute.String("storage.key", key),
		),
	)
}

// StartDelivery begins a span for a notification arriving from a source
// such as lambda, sqs, nats, webhook or watch.
func (u *UpdateTracer) StartDelivery(ctx context.Context, source string) (context.Context, trace.Span) {
	return u.tracer.Start(ctx, "manifest.delivery."+source,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("manifest.source", source)),
	)
}

// RecordError records an error on the given span and sets the span status.
func (u *UpdateTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (u *UpdateTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records err (if any) on span, marks it successful otherwise, and
// ends it.
func (u *UpdateTracer) End(span trace.Span, err error) {
	if err != nil {
		u.RecordError(span, err)
	} else {
		u.SetSuccess(span)
	}
	span.End()
}

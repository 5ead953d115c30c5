// Package tracing sets up OpenTelemetry for the manifest binaries and
// provides the span helpers the updater and its transports use.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls span export.
type Config struct {
	// Enabled turns on export. While false, spans go to whatever global
	// provider is installed, which is a no-op by default.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	ServiceName    string `yaml:"serviceName" json:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion" json:"serviceVersion"`
	Insecure       bool   `yaml:"insecure" json:"insecure"`
	// SampleRate is the ratio of invocations traced. Values outside (0, 1)
	// trace everything.
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4318",
		ServiceName: "imagemanifest",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

// ProviderOption adjusts NewProvider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	attrs    []attribute.KeyValue
}

// WithExporter replaces the OTLP exporter, for example with an in-memory
// one in tests. Spans are exported synchronously.
func WithExporter(e sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = e }
}

// WithBucket tags every span with the bucket whose manifest the process
// maintains.
func WithBucket(bucket string) ProviderOption {
	return func(o *providerOptions) {
		if bucket != "" {
			o.attrs = append(o.attrs, attribute.String("imagemanifest.bucket", bucket))
		}
	}
}

// Provider owns the process's tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs a global tracer provider when cfg.Enabled or an
// exporter option is given. Otherwise the Provider hands out tracers from
// the current global provider and Flush and Shutdown do nothing.
func NewProvider(ctx context.Context, cfg Config, opts ...ProviderOption) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled && o.exporter == nil {
		return &Provider{tracer: otel.GetTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	batching := sdktrace.WithSyncer(o.exporter)
	if o.exporter == nil {
		exp, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		batching = sdktrace.WithBatcher(exp)
	}

	attrs := append([]attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}, o.attrs...)
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		batching,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.Endpoint, err)
	}
	return exp, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// UpdateTracer returns span helpers bound to this provider's tracer.
func (p *Provider) UpdateTracer() *UpdateTracer { return NewUpdateTracer(p.tracer) }

// Enabled reports whether this Provider exports spans.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Flush exports buffered spans and keeps the provider running.
func (p *Provider) Flush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

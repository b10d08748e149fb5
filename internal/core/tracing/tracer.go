// Package tracing wraps OpenTelemetry + the Jaeger exporter behind a thin
// StartSpan helper for the dispatch path and queue transactions.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildmaster/core/pkg/logger"
)

// Config controls whether and where spans are exported.
type Config struct {
	Enabled      bool
	ServiceName  string
	JaegerURL    string
	SamplingRate float64
}

// Tracer holds the process-wide tracer; a disabled Tracer's StartSpan is a
// no-op returning the input context unchanged.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
	logger   logger.Logger
}

func New(cfg Config, log logger.Logger) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "buildmaster"
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}

	t := &Tracer{logger: log, enabled: cfg.Enabled}
	if !cfg.Enabled {
		return t, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(t.provider)
	t.tracer = otel.Tracer(cfg.ServiceName)

	log.Info("tracer initialized", "endpoint", cfg.JaegerURL)
	return t, nil
}

// StartSpan opens a span named `name`; callers must call the returned
// trace.Span's End() (a no-op when tracing is disabled since the span is
// nil-safe — trace.SpanFromContext always returns a valid no-op span).
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !t.enabled || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

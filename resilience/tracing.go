package resilience

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/superglue-ai/superglue-sub011/core"
)

// OTelProvider implements core.Telemetry against the OpenTelemetry SDK.
// Spans are exported over OTLP/gRPC when an endpoint is configured, or to
// stdout when none is (local development); metrics go to the MetricsRegistry
// installed with core.SetMetricsRegistry, and are dropped when none is.
type OTelProvider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
	shutdownOnce  sync.Once
}

var _ core.Telemetry = (*OTelProvider)(nil)

// NewOTelProvider builds the tracing pipeline from the engine's telemetry
// configuration and installs it as the global TracerProvider.
func NewOTelProvider(ctx context.Context, serviceName string, cfg core.TelemetryConfig) (*OTelProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty: %w", core.ErrMissingConfiguration)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	)

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.OTLPEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter for %s: %w", cfg.OTLPEndpoint, err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &OTelProvider{
		tracer:        tp.Tracer("superglue-engine"),
		traceProvider: tp,
	}, nil
}

// StartSpan implements core.Telemetry.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if o.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry by routing through the global
// MetricsRegistry when one is installed (see core.SetMetricsRegistry).
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	registry := core.GetGlobalMetricsRegistry()
	if registry == nil {
		return
	}
	flat := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		flat = append(flat, k, v)
	}
	registry.Histogram(name, value, flat...)
}

// Shutdown flushes and stops the trace pipeline. Idempotent.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		if o.traceProvider != nil {
			err = o.traceProvider.Shutdown(ctx)
		}
	})
	return err
}

// otelSpan adapts a trace.Span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector directly against the
// OpenTelemetry metrics API, so transport-level circuit breakers surface
// into whatever exporter the process configured.
type OTelMetricsCollector struct {
	calls  metric.Int64Counter
	states metric.Int64Counter
	reject metric.Int64Counter
}

// NewOTelMetricsCollector builds a MetricsCollector backed by the global
// otel MeterProvider.
func NewOTelMetricsCollector() *OTelMetricsCollector {
	meter := otel.Meter("superglue-engine/resilience")
	calls, _ := meter.Int64Counter("circuit_breaker.calls")
	states, _ := meter.Int64Counter("circuit_breaker.state_changes")
	reject, _ := meter.Int64Counter("circuit_breaker.rejected")
	return &OTelMetricsCollector{calls: calls, states: states, reject: reject}
}

func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.calls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("name", name), attribute.String("result", "success")))
}

func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	o.calls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("name", name), attribute.String("result", "failure"),
			attribute.String("error_type", errorType)))
}

func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	o.states.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("name", name), attribute.String("from", from), attribute.String("to", to)))
}

func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.reject.Add(context.Background(), 1, metric.WithAttributes(attribute.String("name", name)))
}

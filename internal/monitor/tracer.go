package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "reprorun"

// Tracer wraps OpenTelemetry tracing for the engine.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named under the engine's namespace.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("reprorun.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for engine tracing.
var (
	AttrRequestID     = attribute.Key("reprorun.request.id")
	AttrRequestDigest = attribute.Key("reprorun.request.digest")
	AttrResultDigest  = attribute.Key("reprorun.result.digest")
	AttrScheduler     = attribute.Key("reprorun.scheduler")
	AttrExitCode      = attribute.Key("reprorun.exit_code")
	AttrDurationMS    = attribute.Key("reprorun.duration_ms")
)

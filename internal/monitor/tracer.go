package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "safe-sketch-sandbox"

// Tracer wraps OpenTelemetry tracing for the sketch sandbox.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sketchbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for sandbox tracing.
var (
	AttrSessionID   = attribute.Key("sketchbox.session.id")
	AttrCandidateID = attribute.Key("sketchbox.candidate.id")
	AttrCodeHash    = attribute.Key("sketchbox.code_hash")
	AttrLevel       = attribute.Key("sketchbox.security_level")
	AttrOutcome     = attribute.Key("sketchbox.outcome")
	AttrDurationMS  = attribute.Key("sketchbox.duration_ms")
)

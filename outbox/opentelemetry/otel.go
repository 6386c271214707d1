// Package opentelemetry holds the span and propagation helpers shared by the
// outbox packages.
package opentelemetry

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter scope used by outbox packages.
const InstrumentationName = "github.com/LerianStudio/lib-outbox"

// Tracer returns the outbox tracer from the global provider.
//
//nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// HandleSpanError marks span as failed and records err.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanBusinessErrorEvent records an expected failure (validation, not found)
// as an event without flipping the span status.
func HandleSpanBusinessErrorEvent(span trace.Span, eventName string, err error) {
	if span == nil || err == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attribute.String("error", err.Error())))
}

// InjectQueueTraceContext serializes the span context in ctx as W3C headers.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders copies base and adds trace propagation headers.
func PrepareQueueHeaders(ctx context.Context, base map[string]any) map[string]any {
	headers := make(map[string]any, len(base)+2)
	maps.Copy(headers, base)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractQueueTraceContext restores a span context from string-valued headers.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]any) context.Context {
	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	if len(carrier) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// TraceIDFromContext returns the active trace id, or "" when there is none.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceID().String()
}

package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	traceparentKey = "traceparent"
	tracestateKey  = "tracestate"
)

// TraceCarrier flattens the span context on ctx into the two W3C header
// values, suitable for storing next to a staged outbox row.
func TraceCarrier(ctx context.Context) (traceparent, tracestate string) {
	mc := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, mc)
	return mc[traceparentKey], mc[tracestateKey]
}

// ContextWithTraceCarrier rebuilds the span context captured by
// TraceCarrier. Blank values leave ctx untouched so rows staged without
// an active trace publish without one.
func ContextWithTraceCarrier(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		traceparentKey: traceparent,
		tracestateKey:  tracestate,
	})
}

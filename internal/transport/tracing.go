package transport

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// propagator injects/extracts both W3C TraceContext and B3 headers on
// every outbound call, a thin wrapper over an OTel TracerProvider.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader)),
)

// Tracer wraps an OpenTelemetry tracer behind the StartSpan(ctx, name,
// attrs) -> (ctx, end) shape used throughout this module, so callers never
// touch the OTel API directly.
type Tracer struct {
	tracer oteltrace.Tracer
}

// NewTracer builds a Tracer. samplerRatio is the probabilistic sampling
// rate (default 1.0, production 0.1), parent-based so a sampled parent
// span always propagates sampling to its children.
func NewTracer(serviceName string, samplerRatio float64) *Tracer {
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplerRatio))
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)
	return &Tracer{tracer: provider.Tracer(serviceName)}
}

// NoopTracer returns a Tracer that never samples, used by the agent's
// controller client where a full SDK provider is unnecessary overhead.
func NoopTracer() *Tracer {
	return &Tracer{tracer: oteltrace.NewNoopTracerProvider().Tracer("noop")}
}

// StartSpan starts a span named name with the given attributes (empty
// string values are skipped) and returns the derived context plus a
// function that ends the span, recording err if non-nil.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(convertAttrs(attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func convertAttrs(attrs map[string]string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if k == "" || v == "" {
			continue
		}
		result = append(result, attribute.String(k, v))
	}
	return result
}

// InjectTraceHeaders writes the current span context into req headers as
// both W3C traceparent and B3 headers.
func InjectTraceHeaders(ctx context.Context, header http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractTraceContext derives a span context from inbound request headers
// so spans started from the returned context are children of the caller's
// span.
func ExtractTraceContext(ctx context.Context, header http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

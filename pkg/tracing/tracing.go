// Package tracing provides OpenTelemetry tracing for conversation exchanges.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/capitalize-ai/conversation-bridge"

// InitTracer installs a global tracer provider exporting over OTLP/HTTP.
func InitTracer(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// ExchangeSpan wraps the span covering one prompt/answer exchange.
type ExchangeSpan struct {
	span trace.Span
}

// StartExchange starts a span for one send on modelName.
func StartExchange(ctx context.Context, modelName, threadID string) (context.Context, *ExchangeSpan) {
	ctx, span := Tracer().Start(ctx, "bridge.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bridge.model", modelName),
			attribute.String("bridge.thread_id", threadID),
		),
	)
	return ctx, &ExchangeSpan{span: span}
}

// SetThread records the thread id once it is known.
func (s *ExchangeSpan) SetThread(threadID string) {
	s.span.SetAttributes(attribute.String("bridge.thread_id", threadID))
}

// SetState records a state transition as a span event.
func (s *ExchangeSpan) SetState(state string) {
	s.span.AddEvent("state", trace.WithAttributes(attribute.String("bridge.state", state)))
}

// SetAnswerLength records the final answer size.
func (s *ExchangeSpan) SetAnswerLength(n int) {
	s.span.SetAttributes(attribute.Int("bridge.answer_length", n))
}

// SetError marks the span failed.
func (s *ExchangeSpan) SetError(err error, kind string) {
	s.span.RecordError(err)
	s.span.SetAttributes(attribute.String("bridge.error_kind", kind))
	s.span.SetStatus(codes.Error, kind)
}

// End completes the span.
func (s *ExchangeSpan) End() {
	s.span.End()
}

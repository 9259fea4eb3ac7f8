package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init builds a tracer provider around the given exporter, registers it
// globally, and sets the module tracer. The returned function flushes and
// shuts the provider down.
func Init(serviceName string, exporter sdktrace.SpanExporter) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	SetTracer(tp.Tracer(serviceName))
	return tp.Shutdown
}

// NoopExporter discards spans. Used when span export is disabled but callers
// still want trace ids in their logs.
type NoopExporter struct{}

func (e *NoopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *NoopExporter) Shutdown(_ context.Context) error {
	return nil
}

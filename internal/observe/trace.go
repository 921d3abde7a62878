package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope under which recognition spans are
// recorded.
const tracerName = "github.com/maozhuey/speech-to-text-service"

// Tracer returns the service tracer from the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the service tracer. Recognition goroutines wrap
// each segment in one of these; the caller ends the span when the segment's
// result or error has been delivered.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace id as a string, or "" when ctx
// carries no valid span. Handlers put it in responses so a client-reported
// failure can be matched to its recognition trace.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger], adding trace_id and span_id
// attributes when ctx carries an active span. Log lines written inside a
// recognition span are thereby joinable with the span itself; outside a span
// the plain default logger comes back.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

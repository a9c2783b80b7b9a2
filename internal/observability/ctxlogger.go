package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// WithTraceID stores an event-carried trace id in the context. Stream
// consumers use it to keep one trace id across stages without requiring an
// active span.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace id for the context: an active span's trace id
// wins, then an event-carried one, then "".
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LoggerWithTrace returns a zerolog.Logger enriched with the context's trace
// id, if any.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if id := TraceID(ctx); id != "" {
		l = l.With().Str("trace_id", id).Logger()
	}
	return &l
}

package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// spanContextHandler stamps log records with the identifiers of the
// span active in the record's context. Capture work runs on background
// goroutines where a skipped or failed capture surfaces only as a debug
// log line; trace_id and span_id on that line lead back to the request
// span it belongs to.
type spanContextHandler struct {
	next slog.Handler
}

// NewTraceLogHandler wraps next with trace correlation. A nil next
// falls back to the process-default handler.
func NewTraceLogHandler(next slog.Handler) slog.Handler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return &spanContextHandler{next: next}
}

func (h *spanContextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if sc, ok := recordingSpanContext(ctx); ok {
		rec.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, rec)
}

// recordingSpanContext returns the span context worth stamping. Only a
// live recording span qualifies; an ended span or a bare remote context
// contributes nothing.
func recordingSpanContext(ctx context.Context) (oteltrace.SpanContext, bool) {
	span := oteltrace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return oteltrace.SpanContext{}, false
	}
	sc := span.SpanContext()
	return sc, sc.IsValid()
}

func (h *spanContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *spanContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &spanContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *spanContextHandler) WithGroup(name string) slog.Handler {
	return &spanContextHandler{next: h.next.WithGroup(name)}
}

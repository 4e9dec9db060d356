package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oteltap/oteltap/internal/redact"
)

// scrubbingExporter is the last gate before span data leaves the
// process. The capture pipeline redacts request bodies by field name
// before they reach a span; this exporter covers everything else a span
// accumulates on the way out: error messages, event payloads, and
// status descriptions that may quote a secret verbatim.
//
// Two rules apply, using two vocabularies. An attribute whose KEY names
// a sensitive field (the same field set the body redactor uses) loses
// its whole value to the redaction marker. An attribute VALUE under an
// innocent key is scanned for credential-shaped content and scrubbed in
// place. Both run on the batch-export goroutine, never on the request
// path.
type scrubbingExporter struct {
	next   sdktrace.SpanExporter
	fields *redact.FieldSet
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{
		next:   next,
		fields: redact.NewFieldSet(nil),
	}
}

// ExportSpans forwards spans to the wrapped exporter, rebuilding only
// the ones that carry something to scrub. Clean spans pass through as
// the original ReadOnlySpan without a snapshot copy.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		if e.spanIsClean(span) {
			out[i] = span
			continue
		}
		out[i] = e.rebuildScrubbed(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func (e *scrubbingExporter) spanIsClean(span sdktrace.ReadOnlySpan) bool {
	if !e.attrsClean(span.Attributes()) {
		return false
	}
	for _, ev := range span.Events() {
		if !e.attrsClean(ev.Attributes) {
			return false
		}
	}
	return !ContainsCredential(span.Status().Description)
}

func (e *scrubbingExporter) attrsClean(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() != attribute.STRING {
			continue
		}
		if e.fields.Match(string(kv.Key)) || ContainsCredential(kv.Value.AsString()) {
			return false
		}
	}
	return true
}

// rebuildScrubbed reconstructs a span through a mutable stub. The stub
// round-trip is the only way to edit a ReadOnlySpan; it is paid only
// for spans that actually need scrubbing.
func (e *scrubbingExporter) rebuildScrubbed(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = e.scrubAttrs(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = e.scrubAttrs(stub.Events[i].Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func (e *scrubbingExporter) scrubAttrs(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		out[i] = kv
		if kv.Value.Type() != attribute.STRING {
			continue
		}
		key := string(kv.Key)
		switch {
		case e.fields.Match(key):
			out[i] = attribute.String(key, redact.Marker)
		case ContainsCredential(kv.Value.AsString()):
			out[i] = attribute.String(key, ScrubCredentials(kv.Value.AsString()))
		}
	}
	return out
}

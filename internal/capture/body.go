// Package capture reads inbound HTTP request bodies without disturbing
// the handler's own read, redacts sensitive fields, and attaches the
// result to the active OpenTelemetry span.
package capture

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/oteltap/oteltap/internal/redact"
)

// Kind classifies a request payload and drives parser dispatch.
type Kind string

const (
	KindJSON        Kind = "json"
	KindGraphQL     Kind = "graphql"
	KindForm        Kind = "form"
	KindMultipart   Kind = "multipart"
	KindUnsupported Kind = "unsupported"
)

// Skip reasons reported on results that did not capture content.
const (
	ReasonTooLarge          = "too large"
	ReasonParseError        = "parse error"
	ReasonUnsupported       = "unsupported type"
	ReasonStreamUnavailable = "stream unavailable"
)

const multipartPlaceholder = "[NOT CAPTURED: multipart/form-data]"

// Classify maps a Content-Type header value to a Kind using lowercase
// substring matching, so parameters like charset or boundary never
// affect dispatch.
func Classify(contentType string) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		return KindJSON
	case strings.Contains(ct, "application/graphql"):
		return KindGraphQL
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		return KindForm
	case strings.Contains(ct, "multipart/form-data"):
		return KindMultipart
	default:
		return KindUnsupported
	}
}

// Result is the outcome of one capture attempt. It is created per
// request, flattened onto the active span, optionally journaled, and
// then discarded.
type Result struct {
	Captured   bool
	Body       string
	Kind       Kind
	Size       int
	ParseError bool
	SkipReason string
}

// tooLarge builds the fixed over-budget result. The payload content is
// never included; only its size is surfaced so operators can see what
// was rejected.
func tooLarge(kind Kind, size int) Result {
	return Result{
		Captured:   false,
		Body:       fmt.Sprintf("[TOO LARGE: %d bytes]", size),
		Kind:       kind,
		Size:       size,
		SkipReason: ReasonTooLarge,
	}
}

// tooLargeUnbounded reports an over-budget payload whose total size is
// unknown, as happens with chunked uploads that carry no Content-Length.
// size is the lower bound established by the bounded read, and the
// placeholder says so rather than understating the payload.
func tooLargeUnbounded(kind Kind, size int) Result {
	return Result{
		Captured:   false,
		Body:       fmt.Sprintf("[TOO LARGE: >%d bytes]", size),
		Kind:       kind,
		Size:       size,
		SkipReason: ReasonTooLarge,
	}
}

func notCapturedMultipart(size int) Result {
	return Result{
		Captured:   false,
		Body:       multipartPlaceholder,
		Kind:       KindMultipart,
		Size:       size,
		SkipReason: ReasonUnsupported,
	}
}

// parseJSONBody redacts a JSON document. A document that fails to parse
// degrades to truncated raw text with the parse-error flag set instead
// of aborting capture.
func parseJSONBody(body []byte, fields *redact.FieldSet, maxBytes int) Result {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return rawFallback(KindJSON, body, maxBytes)
	}

	redacted := redact.Value(parsed, fields)
	serialized, err := json.Marshal(redacted)
	if err != nil {
		return rawFallback(KindJSON, body, maxBytes)
	}

	return Result{
		Captured: true,
		Body:     truncateText(string(serialized), maxBytes),
		Kind:     KindJSON,
		Size:     len(body),
	}
}

// parseFormBody decodes key=value&key=value into a flat mapping (form
// encoding has no nesting) and redacts it through the structural
// redactor. Repeated keys keep all their values.
func parseFormBody(body []byte, fields *redact.FieldSet, maxBytes int) Result {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return rawFallback(KindForm, body, maxBytes)
	}

	flat := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			flat[key] = vals[0]
			continue
		}
		items := make([]any, len(vals))
		for i, v := range vals {
			items[i] = v
		}
		flat[key] = items
	}

	redacted := redact.Value(flat, fields)
	serialized, err := json.Marshal(redacted)
	if err != nil {
		return rawFallback(KindForm, body, maxBytes)
	}

	return Result{
		Captured: true,
		Body:     truncateText(string(serialized), maxBytes),
		Kind:     KindForm,
		Size:     len(body),
	}
}

func parseGraphQLBody(body []byte, fields *redact.FieldSet, maxBytes int) Result {
	return Result{
		Captured: true,
		Body:     truncateText(redact.QueryText(string(body), fields), maxBytes),
		Kind:     KindGraphQL,
		Size:     len(body),
	}
}

// rawFallback keeps best-effort visibility on malformed payloads: the
// first bytes as text, flagged as a parse error. Non-UTF-8 payloads are
// skipped entirely rather than emitting mojibake into span attributes.
func rawFallback(kind Kind, body []byte, maxBytes int) Result {
	if !utf8.Valid(body) {
		return Result{
			Captured:   false,
			Kind:       kind,
			Size:       len(body),
			ParseError: true,
			SkipReason: ReasonParseError,
		}
	}
	return Result{
		Captured:   true,
		Body:       truncateText(string(body), maxBytes),
		Kind:       kind,
		Size:       len(body),
		ParseError: true,
		SkipReason: ReasonParseError,
	}
}

// truncateText bounds serialized output. A redacted document can exceed
// the original size because marker text is longer than the values it
// replaces. Truncation is rune-safe.
func truncateText(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := s[:maxBytes]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

package capture

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/oteltap/oteltap/internal/redact"
)

// Span attribute names produced toward the tracing backend.
const (
	attrBody       = "http.request.body"
	attrBodyType   = "http.request.body.type"
	attrBodySize   = "http.request.body.size"
	attrParseError = "http.request.body.parse_error"
)

// Config is the immutable per-process capture configuration. Built once
// at startup and shared read-only across requests.
type Config struct {
	Enabled      bool
	MaxBodyBytes int
	Fields       *redact.FieldSet
}

const defaultMaxBodyBytes = 10240

// Orchestrator applies the eligibility gate, dispatches parsing and
// redaction, and flattens results onto span attributes. Capture is a
// best-effort diagnostic: every failure inside it degrades to a missing
// or placeholder attribute, never an error on the request path.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

func NewOrchestrator(cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Fields == nil {
		cfg.Fields = redact.NewFieldSet(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Enabled reports whether capture is configured on.
func (o *Orchestrator) Enabled() bool {
	return o != nil && o.cfg.Enabled
}

// MaxBodyBytes returns the configured byte budget.
func (o *Orchestrator) MaxBodyBytes() int {
	if o == nil {
		return defaultMaxBodyBytes
	}
	return o.cfg.MaxBodyBytes
}

// EligibleMethod reports whether the request method carries a body
// worth capturing.
func EligibleMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

// WithinBudget reports whether a payload of size bytes may be parsed.
// The guard runs before parsing so hostile or oversized payloads cost
// at most one bounded read, never a parse.
func (o *Orchestrator) WithinBudget(size int) bool {
	return size <= o.MaxBodyBytes()
}

// Process turns duplicated body bytes into a capture result. truncated
// means the duplication stopped at the byte budget; declaredSize is the
// Content-Length when the client sent one, used so the reported size
// reflects the full rejected payload rather than the read prefix.
func (o *Orchestrator) Process(kind Kind, body []byte, truncated bool, declaredSize int64) Result {
	size := len(body)
	sizeKnown := !truncated
	if declaredSize > int64(size) {
		size = int(declaredSize)
		sizeKnown = true
	}

	switch kind {
	case KindMultipart:
		return notCapturedMultipart(size)
	case KindUnsupported:
		return Result{Kind: KindUnsupported, SkipReason: ReasonUnsupported, Size: size}
	}

	if truncated || !o.WithinBudget(size) {
		// A truncated read with no larger declared length means a chunked
		// upload: only a lower bound on the size is known.
		if !sizeKnown {
			return tooLargeUnbounded(kind, size)
		}
		return tooLarge(kind, size)
	}

	switch kind {
	case KindJSON:
		return parseJSONBody(body, o.cfg.Fields, o.cfg.MaxBodyBytes)
	case KindGraphQL:
		return parseGraphQLBody(body, o.cfg.Fields, o.cfg.MaxBodyBytes)
	case KindForm:
		return parseFormBody(body, o.cfg.Fields, o.cfg.MaxBodyBytes)
	default:
		return Result{Kind: kind, SkipReason: ReasonUnsupported, Size: size}
	}
}

// Attach flattens a result onto the span. No attributes are written for
// the unsupported kind or when the span is absent or already finished.
func (o *Orchestrator) Attach(span oteltrace.Span, res Result) {
	if span == nil || !span.IsRecording() {
		return
	}
	if res.Kind == KindUnsupported {
		return
	}
	// A failed duplication writes nothing: there is no trustworthy size
	// or content to report.
	if res.SkipReason == ReasonStreamUnavailable {
		return
	}

	attrs := make([]attribute.KeyValue, 0, 4)
	if res.Body != "" {
		attrs = append(attrs, attribute.String(attrBody, res.Body))
	}
	attrs = append(attrs, attribute.String(attrBodyType, string(res.Kind)))
	if res.Size > 0 {
		attrs = append(attrs, attribute.Int(attrBodySize, res.Size))
	}
	if res.ParseError {
		attrs = append(attrs, attribute.Bool(attrParseError, true))
	}
	span.SetAttributes(attrs...)
}

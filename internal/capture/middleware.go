package capture

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/oteltap/oteltap/internal/correlation"
)

// Outcome pairs a capture result with request metadata for sinks
// (journal records, metrics counters, debug logs).
type Outcome struct {
	Result
	Method        string
	Path          string
	CorrelationID string
	Duration      time.Duration
}

// Sink receives completed capture outcomes. Sinks run on the capture
// goroutine, off the response critical path.
type Sink func(Outcome)

// Options wires a capture adapter.
type Options struct {
	Orchestrator *Orchestrator
	Logger       *slog.Logger
	// Sink, when set, is invoked after span attributes are attached.
	Sink Sink
}

// Middleware is the pre-routing integration point. It duplicates the
// request body before the downstream handler runs, restores the request
// so the handler reads exactly the original bytes, and performs
// classification, redaction, and span attachment on a background
// goroutine. The downstream handler is never blocked on capture work
// and never observes a capture failure.
func Middleware(options Options, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if options.Orchestrator == nil || !options.Orchestrator.Enabled() {
		return next
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = correlation.EnsureRequest(r)
		captureRequest(options, r)
		next.ServeHTTP(w, r)
	})
}

// WrapHandler is the per-handler integration point, for services that
// cannot install a global middleware chain. Behavior is identical to
// Middleware except that correlation IDs are taken as-is from whatever
// outer middleware established them.
func WrapHandler(options Options, h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	if options.Orchestrator == nil || !options.Orchestrator.Enabled() {
		return h
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captureRequest(options, r)
		h.ServeHTTP(w, r)
	})
}

// captureRequest runs the eligibility gate and body duplication inline
// (duplication must precede the handler's own read), then hands the
// bounded copy to a goroutine for parsing, redaction, and attachment.
// The request passed back to the caller is always fully readable, as if
// capture had never run.
func captureRequest(options Options, r *http.Request) {
	o := options.Orchestrator

	if !EligibleMethod(r.Method) {
		return
	}
	span := oteltrace.SpanFromContext(r.Context())
	if span == nil || !span.IsRecording() {
		return
	}

	kind := Classify(r.Header.Get("Content-Type"))
	if kind == KindUnsupported {
		return
	}

	start := time.Now()
	correlationID, _ := correlation.FromContext(r.Context())

	// Multipart payloads are never read; file uploads stay on the wire.
	if kind == KindMultipart {
		size := 0
		if r.ContentLength > 0 {
			size = int(r.ContentLength)
		}
		res := notCapturedMultipart(size)
		dispatch(options, span, res, r, correlationID, start)
		return
	}

	// Size guard from the declared length, before any read.
	if r.ContentLength > int64(o.MaxBodyBytes()) {
		res := tooLarge(kind, int(r.ContentLength))
		dispatch(options, span, res, r, correlationID, start)
		return
	}

	prefix, truncated, err := peekBody(r, o.MaxBodyBytes())
	if err != nil {
		options.Logger.DebugContext(r.Context(),
			"request body duplication failed; skipping capture",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
		res := Result{Kind: kind, SkipReason: ReasonStreamUnavailable}
		dispatch(options, span, res, r, correlationID, start)
		return
	}

	declared := r.ContentLength
	method, path := r.Method, r.URL.Path
	logger := options.Logger
	go func() {
		defer containPanic(logger)

		res := o.Process(kind, prefix, truncated, declared)
		o.Attach(span, res)
		if options.Sink != nil {
			options.Sink(Outcome{
				Result:        res,
				Method:        method,
				Path:          path,
				CorrelationID: correlationID,
				Duration:      time.Since(start),
			})
		}
	}()
}

// dispatch attaches an already-final result on the capture goroutine so
// even the cheap paths stay off the response critical path.
func dispatch(options Options, span oteltrace.Span, res Result, r *http.Request, correlationID string, start time.Time) {
	method, path := r.Method, r.URL.Path
	logger := options.Logger
	go func() {
		defer containPanic(logger)

		options.Orchestrator.Attach(span, res)
		if options.Sink != nil && res.Kind != KindUnsupported {
			options.Sink(Outcome{
				Result:        res,
				Method:        method,
				Path:          path,
				CorrelationID: correlationID,
				Duration:      time.Since(start),
			})
		}
	}()
}

// containPanic is the single point where the never-propagate policy is
// enforced for the capture subsystem.
func containPanic(logger *slog.Logger) {
	if rec := recover(); rec != nil && logger != nil {
		logger.Debug("capture aborted by panic", "panic", rec)
	}
}

type readerWithCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readerWithCloser) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// peekBody reads at most maxBytes+1 from the request body and restores
// the request so a later consumer reads the original byte stream in
// full. The +1 read distinguishes "exactly at budget" from "over
// budget" without buffering the whole payload. This is the duplication
// primitive the rest of the subsystem depends on: after it returns, the
// body stream must behave as single-read and untouched.
func peekBody(r *http.Request, maxBytes int) ([]byte, bool, error) {
	body := r.Body
	if body == nil || body == http.NoBody {
		return nil, false, nil
	}
	if maxBytes < 0 {
		maxBytes = 0
	}

	limited := &io.LimitedReader{R: body, N: int64(maxBytes) + 1}
	prefix, err := io.ReadAll(limited)
	if err != nil {
		// Splice back whatever was consumed so the handler still sees it.
		r.Body = &readerWithCloser{
			Reader: io.MultiReader(bytes.NewReader(prefix), body),
			closer: body,
		}
		return nil, false, err
	}

	truncated := len(prefix) > maxBytes
	captured := prefix
	if truncated {
		captured = prefix[:maxBytes]
	}

	r.Body = &readerWithCloser{
		Reader: io.MultiReader(bytes.NewReader(prefix), body),
		closer: body,
	}
	return captured, truncated, nil
}

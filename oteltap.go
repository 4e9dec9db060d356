// Package oteltap instruments HTTP services with OpenTelemetry spans
// that carry redacted request bodies. One Setup call builds the exporter
// pipeline, the capture orchestrator, and the optional capture journal;
// the returned Shim exposes middleware and transport wrappers.
package oteltap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oteltap/oteltap/internal/capture"
	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/journal"
	"github.com/oteltap/oteltap/internal/observability"
	"github.com/oteltap/oteltap/internal/redact"
	"github.com/oteltap/oteltap/internal/version"
)

// Shim holds the per-process instrumentation state. It is safe for
// concurrent use once Setup returns.
type Shim struct {
	cfg          config.Config
	logger       *slog.Logger
	runtime      *observability.Runtime
	orchestrator *capture.Orchestrator
	store        journal.Store
	writer       *journal.Writer
	extraSink    capture.Sink
}

// Setup builds a Shim from a resolved configuration. The configuration
// should already have passed config.Validate; Setup re-validates so a
// caller wiring the library directly cannot start with a broken config.
func Setup(ctx context.Context, cfg config.Config, opts ...Option) (*Shim, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	shim := &Shim{cfg: cfg}
	for _, opt := range opts {
		opt(shim)
	}
	if shim.logger == nil {
		shim.logger = slog.Default()
	}

	runtime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, shim.logger)
	if err != nil {
		return nil, fmt.Errorf("initialize opentelemetry: %w", err)
	}
	shim.runtime = runtime

	shim.orchestrator = capture.NewOrchestrator(capture.Config{
		Enabled:      cfg.Capture.Enabled,
		MaxBodyBytes: cfg.Capture.MaxBodyBytes,
		Fields:       redact.NewFieldSet(cfg.Capture.ExtraSensitiveFields),
	}, shim.logger)

	if err := shim.setupJournal(ctx); err != nil {
		_ = runtime.Shutdown(context.Background())
		return nil, err
	}

	return shim, nil
}

func (s *Shim) setupJournal(ctx context.Context) error {
	if s.store == nil {
		if !s.cfg.Journal.Enabled {
			return nil
		}
		store, err := openJournalStore(s.cfg.Journal)
		if err != nil {
			return err
		}
		s.store = store
	}

	s.writer = journal.NewWriter(s.store, 0)
	s.writer.SetWriteFailureHandler(func(failure journal.WriteFailure) {
		s.runtime.RecordJournalWriteFailure(failure.Operation, failure.FailedCount)
		s.logger.Warn(
			"journal write failed; capture records dropped",
			"operation", failure.Operation,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
	})
	s.writer.Start(ctx)
	return nil
}

func openJournalStore(cfg config.JournalConfig) (journal.Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		store, err := journal.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := journal.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", cfg.Driver)
	}
}

// Store exposes the journal store for report tooling. Nil when the
// journal is disabled.
func (s *Shim) Store() journal.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// Middleware wraps next with the full instrumentation chain: server
// span creation, span enrichment, and request body capture.
func (s *Shim) Middleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if s == nil {
		return next
	}
	captured := capture.Middleware(s.captureOptions(), next)
	return s.runtime.WrapHTTPHandler(s.runtime.SpanEnrichmentMiddleware(captured))
}

// WrapHandler instruments a single handler with body capture only, for
// services whose outer middleware already creates server spans.
func (s *Shim) WrapHandler(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	if s == nil {
		return h
	}
	return capture.WrapHandler(s.captureOptions(), h)
}

// Instrument replaces srv.Handler with the instrumented chain.
func (s *Shim) Instrument(srv *http.Server) {
	if s == nil || srv == nil {
		return
	}
	srv.Handler = s.Middleware(srv.Handler)
}

// Transport wraps an outbound round tripper with client spans.
func (s *Shim) Transport(base http.RoundTripper) http.RoundTripper {
	if s == nil {
		if base == nil {
			return http.DefaultTransport
		}
		return base
	}
	return s.runtime.WrapHTTPTransport(base)
}

func (s *Shim) captureOptions() capture.Options {
	return capture.Options{
		Orchestrator: s.orchestrator,
		Logger:       s.logger,
		Sink:         s.sink,
	}
}

// sink fans a completed capture outcome out to metrics, the journal,
// and any caller-provided sink. It runs on the capture goroutine.
func (s *Shim) sink(out capture.Outcome) {
	if out.Captured {
		s.runtime.RecordCapture(string(out.Kind))
	} else {
		s.runtime.RecordCaptureSkip(string(out.Kind), out.SkipReason)
	}

	if s.writer != nil {
		record := &journal.Record{
			ID:            journal.NewRecordID(),
			CorrelationID: out.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Method:        out.Method,
			Path:          out.Path,
			ContentKind:   string(out.Kind),
			Captured:      out.Captured,
			ParseError:    out.ParseError,
			SizeBytes:     out.Size,
			SkipReason:    out.SkipReason,
			DurationUS:    out.Duration.Microseconds(),
		}
		if !s.writer.Enqueue(record) {
			s.runtime.RecordJournalQueueDrop(out.Path)
		}
	}

	if s.extraSink != nil {
		s.extraSink(out)
	}
}

// Shutdown drains the journal writer and flushes telemetry. Safe to
// call more than once.
func (s *Shim) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	if s.writer != nil {
		if err := s.writer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain journal writer: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal store: %w", err))
		}
	}
	if err := s.runtime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown opentelemetry: %w", err))
	}
	return errors.Join(errs...)
}

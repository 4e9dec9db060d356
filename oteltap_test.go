package oteltap_test

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oteltap/oteltap"
	"github.com/oteltap/oteltap/internal/capture"
	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/journal"
)

// memStore keeps journal records in memory for assertions.
type memStore struct {
	mu      sync.Mutex
	records []*journal.Record
	closed  bool
}

func (s *memStore) WriteRecord(_ context.Context, record *journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memStore) WriteBatch(_ context.Context, records []*journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *memStore) GetRecord(_ context.Context, _ string) (*journal.Record, error) {
	return nil, fs.ErrNotExist
}

func (s *memStore) QueryRecords(_ context.Context, _ journal.Filter) (*journal.QueryResult, error) {
	return nil, fs.ErrNotExist
}

func (s *memStore) Summary(_ context.Context, _ journal.Filter) (*journal.Summary, error) {
	return nil, fs.ErrNotExist
}

func (s *memStore) KindStats(_ context.Context, _ journal.Filter) ([]journal.KindStats, error) {
	return nil, fs.ErrNotExist
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) Records() []*journal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*journal.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *memStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Capture.MaxBodyBytes = 0

	if _, err := oteltap.Setup(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid configuration")
	}
}

func TestNilShimGuards(t *testing.T) {
	t.Parallel()

	var shim *oteltap.Shim

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapped := shim.Middleware(handler)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNoContent)
	}

	if got := shim.Transport(nil); got != http.DefaultTransport {
		t.Fatalf("Transport(nil)=%v, want http.DefaultTransport", got)
	}
	if shim.Store() != nil {
		t.Fatal("nil shim Store() should be nil")
	}
	if err := shim.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shim Shutdown err=%v, want nil", err)
	}
}

// Cannot be parallel: Setup installs global OpenTelemetry providers.
func TestShimMiddlewareCapturesAndJournals(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.Exporter = config.ExporterStdout
	cfg.Observability.OTel.ServiceName = "oteltap-facade-test"

	store := &memStore{}
	outcomes := make(chan capture.Outcome, 1)

	shim, err := oteltap.Setup(context.Background(), cfg,
		oteltap.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		oteltap.WithStore(store),
		oteltap.WithSink(func(out capture.Outcome) {
			select {
			case outcomes <- out:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	const body = `{"username":"alice","password":"hunter2"}`
	var seenBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			t.Errorf("handler body read: %v", readErr)
		}
		seenBody = string(raw)
		w.WriteHeader(http.StatusCreated)
	})

	srv := httptest.NewServer(shim.Middleware(handler))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/users", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if seenBody != body {
		t.Fatalf("handler saw body %q, want original %q", seenBody, body)
	}

	var out capture.Outcome
	select {
	case out = <-outcomes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture outcome")
	}
	if !out.Captured {
		t.Fatalf("outcome not captured: %+v", out)
	}
	if out.Kind != capture.KindJSON {
		t.Fatalf("kind=%q, want %q", out.Kind, capture.KindJSON)
	}
	if !strings.HasPrefix(out.CorrelationID, "tap-") {
		t.Fatalf("correlation id=%q, want tap- prefix", out.CorrelationID)
	}
	if strings.Contains(out.Body, "hunter2") {
		t.Fatalf("captured body leaked secret: %q", out.Body)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shim.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("journal records=%d, want 1", len(records))
	}
	record := records[0]
	if !record.Captured {
		t.Fatalf("journal record not marked captured: %+v", record)
	}
	if record.ContentKind != "json" {
		t.Fatalf("content kind=%q, want json", record.ContentKind)
	}
	if record.Method != http.MethodPost || record.Path != "/api/v1/users" {
		t.Fatalf("record identity=%s %s, want POST /api/v1/users", record.Method, record.Path)
	}
	if !strings.HasPrefix(record.ID, "cap-") {
		t.Fatalf("record id=%q, want cap- prefix", record.ID)
	}
	if record.CorrelationID != out.CorrelationID {
		t.Fatalf("record correlation=%q, want %q", record.CorrelationID, out.CorrelationID)
	}
	if !store.Closed() {
		t.Fatal("store not closed on shutdown")
	}
}

// Cannot be parallel: Setup installs global OpenTelemetry providers.
func TestShimMiddlewareSkipsGetRequests(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.Exporter = config.ExporterStdout

	outcomes := make(chan capture.Outcome, 1)
	shim, err := oteltap.Setup(context.Background(), cfg,
		oteltap.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		oteltap.WithSink(func(out capture.Outcome) {
			select {
			case outcomes <- out:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		if err := shim.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	srv := httptest.NewServer(shim.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/users")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	select {
	case out := <-outcomes:
		t.Fatalf("unexpected capture outcome for GET: %+v", out)
	case <-time.After(100 * time.Millisecond):
	}
}

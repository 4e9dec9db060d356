package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "oteltap.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if got := run([]string{"bogus"}); got != 2 {
		t.Fatalf("run(bogus)=%d, want 2", got)
	}
	if got := run(nil); got != 2 {
		t.Fatalf("run()=%d, want 2", got)
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "capture:\n  max_body_bytes: 4096\n")

		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 0 {
			t.Fatalf("exit=%d, want 0 (stderr: %s)", got, errOut.String())
		}
		if !strings.Contains(out.String(), "config is valid") {
			t.Fatalf("stdout=%q, want valid confirmation", out.String())
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "capture:\n  max_body_bytes: -1\n")

		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 1 {
			t.Fatalf("exit=%d, want 1", got)
		}
		if !strings.Contains(errOut.String(), "config is invalid") {
			t.Fatalf("stderr=%q, want invalid message", errOut.String())
		}
	})

	t.Run("unknown subcommand", func(t *testing.T) {
		t.Parallel()
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"frobnicate"}, &out, &errOut); got != 2 {
			t.Fatalf("exit=%d, want 2", got)
		}
	})
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty uses default", raw: "", want: "text"},
		{name: "json", raw: "json", want: "json"},
		{name: "mixed case", raw: " JSON ", want: "json"},
		{name: "invalid", raw: "yaml", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeTextJSONFormat("report", tt.raw, "text")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("normalizeTextJSONFormat(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat(%q) err=%v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat(%q)=%q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseReportTime(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		got, err := parseReportTime("", false)
		if err != nil || !got.IsZero() {
			t.Fatalf("parseReportTime(\"\")=%v,%v, want zero,nil", got, err)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		t.Parallel()
		got, err := parseReportTime("2026-03-01T12:00:00Z", false)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if got.Hour() != 12 {
			t.Fatalf("hour=%d, want 12", got.Hour())
		}
	})

	t.Run("date end of day", func(t *testing.T) {
		t.Parallel()
		got, err := parseReportTime("2026-03-01", true)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if got.Hour() != 23 || got.Minute() != 59 {
			t.Fatalf("end of day=%v, want 23:59", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		if _, err := parseReportTime("yesterday", false); err == nil {
			t.Fatal("expected error for unparseable time")
		}
	})
}

func TestRunReportRejectsBadFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "bad format", args: []string{"--format", "yaml"}},
		{name: "zero limit", args: []string{"--limit", "0"}},
		{name: "limit too high", args: []string{"--limit", "999"}},
		{name: "bad captured", args: []string{"--captured", "maybe"}},
		{name: "bad from", args: []string{"--from", "yesterday"}},
		{name: "inverted range", args: []string{"--from", "2026-03-02", "--to", "2026-03-01"}},
		{name: "positional args", args: []string{"extra"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out, errOut bytes.Buffer
			if got := runReport(tt.args, &out, &errOut); got != 2 {
				t.Fatalf("exit=%d, want 2 (stderr: %s)", got, errOut.String())
			}
		})
	}
}

func TestRunReportRequiresEnabledJournal(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "journal:\n  enabled: false\n")

	var out, errOut bytes.Buffer
	if got := runReport([]string{"--config", path}, &out, &errOut); got != 1 {
		t.Fatalf("exit=%d, want 1", got)
	}
	if !strings.Contains(errOut.String(), "journal is disabled") {
		t.Fatalf("stderr=%q, want journal disabled message", errOut.String())
	}
}

func TestRunDoctorJSONWithDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "")

	var out, errOut bytes.Buffer
	if got := runDoctor([]string{"--config", path, "--format", "json"}, &out, &errOut); got != 0 {
		t.Fatalf("exit=%d, want 0 (stderr: %s)", got, errOut.String())
	}

	var doc doctorDocument
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode doctor json: %v", err)
	}

	// Defaults disable the journal and the otel exporter, so the overall
	// posture is a warning, not a failure.
	if doc.OverallStatus != doctorStatusWarn {
		t.Fatalf("overall=%q, want %q", doc.OverallStatus, doctorStatusWarn)
	}

	statuses := make(map[string]string, len(doc.Checks))
	for _, check := range doc.Checks {
		statuses[check.Name] = check.Status
	}
	if statuses["config"] != doctorStatusPass {
		t.Fatalf("config check=%q, want pass", statuses["config"])
	}
	if statuses["capture_posture"] != doctorStatusPass {
		t.Fatalf("capture_posture check=%q, want pass", statuses["capture_posture"])
	}
	if statuses["journal"] != doctorStatusWarn {
		t.Fatalf("journal check=%q, want warn", statuses["journal"])
	}
	if statuses["otel_exporter"] != doctorStatusWarn {
		t.Fatalf("otel_exporter check=%q, want warn", statuses["otel_exporter"])
	}
}

func TestBuildDoctorDocumentInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "capture:\n  max_body_bytes: -1\n")

	doc := buildDoctorDocument(path)
	if doc.OverallStatus != doctorStatusFail {
		t.Fatalf("overall=%q, want fail", doc.OverallStatus)
	}
	if len(doc.Checks) != 4 {
		t.Fatalf("checks=%d, want 4", len(doc.Checks))
	}
	for _, check := range doc.Checks[1:] {
		if check.Status != doctorStatusSkip {
			t.Fatalf("check %q status=%q, want skip", check.Name, check.Status)
		}
	}
}

func TestRunDoctorFlagsOTLPWithoutEndpoint(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, strings.Join([]string{
		"observability:",
		"  otel:",
		"    enabled: true",
		"    exporter: otlp",
		"    endpoint: \"\"",
		"",
	}, "\n"))

	doc := buildDoctorDocument(path)
	found := false
	for _, check := range doc.Checks {
		if check.Name == "otel_exporter" {
			found = true
			if check.Status != doctorStatusFail {
				t.Fatalf("otel_exporter status=%q, want fail", check.Status)
			}
		}
	}
	if !found {
		t.Fatal("otel_exporter check missing")
	}
	if doc.OverallStatus != doctorStatusFail {
		t.Fatalf("overall=%q, want fail", doc.OverallStatus)
	}
}

func TestDemoHandlerEchoReportsBodySize(t *testing.T) {
	t.Parallel()

	handler := demoHandler()

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if payload["method"] != http.MethodPost {
		t.Fatalf("method=%v, want POST", payload["method"])
	}
	if size, ok := payload["body_bytes"].(float64); !ok || int(size) != len(`{"password":"hunter2"}`) {
		t.Fatalf("body_bytes=%v, want %d", payload["body_bytes"], len(`{"password":"hunter2"}`))
	}
}

func TestDemoHandlerHealthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	demoHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body=%q, want ok status", rec.Body.String())
	}
}

func TestEnsureEndpointScheme(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		insecure bool
		want     string
	}{
		{name: "already has scheme", endpoint: "https://collector:4318", want: "https://collector:4318"},
		{name: "bare host secure", endpoint: "collector:4318", want: "https://collector:4318"},
		{name: "bare host insecure", endpoint: "collector:4318", insecure: true, want: "http://collector:4318"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ensureEndpointScheme(tt.endpoint, tt.insecure); got != tt.want {
				t.Fatalf("ensureEndpointScheme(%q)=%q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestValueOr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		value    string
		fallback string
		want     string
	}{
		{name: "value wins", value: "sqlite", fallback: "(none)", want: "sqlite"},
		{name: "empty falls back", value: "", fallback: "(none)", want: "(none)"},
		{name: "whitespace falls back", value: "  \t", fallback: "(none)", want: "(none)"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := valueOr(tt.value, tt.fallback); got != tt.want {
				t.Fatalf("valueOr(%q, %q)=%q, want %q", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}

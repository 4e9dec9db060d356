package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/journal"
	"github.com/oteltap/oteltap/internal/redact"
)

const defaultDoctorFormat = "text"

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "failed to load config",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("capture_posture", "skipped: config failed to load"),
			doctorSkippedCheck("journal", "skipped: config failed to load"),
			doctorSkippedCheck("otel_exporter", "skipped: config failed to load"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	if err := config.Validate(cfg); err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "config is invalid",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("capture_posture", "skipped: config validation failed"),
			doctorSkippedCheck("journal", "skipped: config validation failed"),
			doctorSkippedCheck("otel_exporter", "skipped: config validation failed"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", valueOr(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorCapturePostureCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorJournalCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorOTelExporterCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorCapturePostureCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "capture_posture"}

	if !cfg.Capture.Enabled {
		check.Status = doctorStatusWarn
		check.Summary = "request body capture is disabled"
		check.Details = []string{"capture.enabled=false: spans will carry no body attributes"}
		return check
	}

	fields := redact.NewFieldSet(cfg.Capture.ExtraSensitiveFields)
	check.Status = doctorStatusPass
	check.Summary = "request body capture is active"
	check.Details = []string{
		fmt.Sprintf("max body bytes: %d", cfg.Capture.MaxBodyBytes),
		fmt.Sprintf("sensitive field patterns: %d (%d extra)", len(fields.Entries()), len(cfg.Capture.ExtraSensitiveFields)),
	}
	return check
}

func runDoctorJournalCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "journal"}

	if !cfg.Journal.Enabled {
		check.Status = doctorStatusWarn
		check.Summary = "capture journal is disabled"
		check.Details = []string{"journal.enabled=false: report command will have no data"}
		return check
	}

	store, err := openConfiguredJournalStore(cfg.Journal)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize journal store"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.QueryRecords(ctx, journal.Filter{Limit: 1}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "journal connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close journal store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	driver := strings.TrimSpace(cfg.Journal.Driver)
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(cfg.Journal.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite capture journal"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case "postgres":
		check.Summary = "connected to postgres capture journal"
	default:
		check.Summary = "connected to capture journal"
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "journal connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close journal store: %v", closeErr))
	}
	return check
}

func runDoctorOTelExporterCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "otel_exporter"}
	otel := cfg.Observability.OTel

	if !otel.Enabled {
		check.Status = doctorStatusWarn
		check.Summary = "opentelemetry export is disabled"
		check.Details = []string{"observability.otel.enabled=false: spans and metrics are dropped"}
		return check
	}

	if otel.Exporter == config.ExporterStdout {
		check.Status = doctorStatusPass
		check.Summary = "stdout exporter configured"
		check.Details = []string{"traces print to stdout; no collector endpoint required"}
		return check
	}

	endpoint := strings.TrimSpace(otel.Endpoint)
	if endpoint == "" {
		check.Status = doctorStatusFail
		check.Summary = "otlp exporter has no endpoint"
		check.Details = []string{"set observability.otel.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT"}
		return check
	}

	parsed, err := url.Parse(ensureEndpointScheme(endpoint, otel.Insecure))
	if err != nil || parsed.Host == "" {
		check.Status = doctorStatusFail
		check.Summary = "otlp endpoint is not a valid URL"
		check.Details = []string{fmt.Sprintf("endpoint: %q", endpoint)}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "otlp exporter endpoint looks valid"
	check.Details = []string{
		fmt.Sprintf("endpoint: %s", parsed.String()),
		fmt.Sprintf("traces enabled: %t, metrics enabled: %t", otel.TracesEnabled, otel.MetricsEnabled),
		fmt.Sprintf("sampling ratio: %g", otel.SamplingRatio),
	}
	return check
}

func ensureEndpointScheme(endpoint string, insecure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if insecure {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "Oteltap Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", valueOr(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/journal"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "capture-report.v1"
)

type reportDocument struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Journal       reportJournalInfo  `json:"journal"`
	Filters       reportFilterInfo   `json:"filters"`
	Summary       reportSummaryInfo  `json:"summary"`
	Kinds         []reportKindInfo   `json:"content_kinds"`
	Recent        []reportRecordInfo `json:"recent_captures"`
}

type reportJournalInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	ContentKind string     `json:"content_kind,omitempty"`
	Captured    *bool      `json:"captured,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	Limit       int        `json:"limit"`
}

type reportSummaryInfo struct {
	TotalRequests int64   `json:"total_requests"`
	Captured      int64   `json:"captured"`
	Skipped       int64   `json:"skipped"`
	ParseErrors   int64   `json:"parse_errors"`
	AvgDurationUS float64 `json:"avg_duration_us"`
}

type reportKindInfo struct {
	Kind          string  `json:"kind"`
	RequestCount  int64   `json:"request_count"`
	CapturedCount int64   `json:"captured_count"`
	AvgSizeBytes  float64 `json:"avg_size_bytes"`
}

type reportRecordInfo struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	ContentKind   string    `json:"content_kind"`
	Captured      bool      `json:"captured"`
	ParseError    bool      `json:"parse_error"`
	SizeBytes     int       `json:"size_bytes"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	DurationUS    int64     `json:"duration_us"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	kind := flagSet.String("kind", "", "Content kind filter (json, graphql, form, multipart)")
	capturedRaw := flagSet.String("captured", "", "Outcome filter: true or false")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent capture count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	var captured *bool
	if raw := strings.TrimSpace(*capturedRaw); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			fmt.Fprintf(errOut, "invalid captured %q: expected true or false\n", *capturedRaw)
			return 2
		}
		captured = &value
	}

	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	store, err := openJournalStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize journal store: %v\n", err)
		return 1
	}
	defer closeJournalStoreWithWarning(store, errOut)

	filter := journal.Filter{
		ContentKind: strings.TrimSpace(*kind),
		Captured:    captured,
		From:        from,
		To:          to,
		Limit:       *limit,
	}

	report, err := buildReport(context.Background(), store, cfg, filter)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}

	return 0
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func buildReport(ctx context.Context, store journal.Store, cfg config.Config, filter journal.Filter) (reportDocument, error) {
	var (
		summary *journal.Summary
		kinds   []journal.KindStats
		recent  *journal.QueryResult
	)

	var (
		queryErr error
		mu       sync.Mutex
		wg       sync.WaitGroup
	)

	runQuery := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if queryErr == nil {
					queryErr = err
				}
				mu.Unlock()
			}
		}()
	}

	runQuery(func() error {
		var err error
		summary, err = store.Summary(ctx, filter)
		return err
	})
	runQuery(func() error {
		var err error
		kinds, err = store.KindStats(ctx, filter)
		return err
	})
	runQuery(func() error {
		var err error
		recent, err = store.QueryRecords(ctx, filter)
		return err
	})

	wg.Wait()
	if queryErr != nil {
		return reportDocument{}, queryErr
	}
	if summary == nil {
		summary = &journal.Summary{}
	}
	if recent == nil {
		recent = &journal.QueryResult{}
	}

	kindRows := make([]reportKindInfo, 0, len(kinds))
	for _, stat := range kinds {
		kindRows = append(kindRows, reportKindInfo{
			Kind:          stat.Kind,
			RequestCount:  stat.RequestCount,
			CapturedCount: stat.CapturedCount,
			AvgSizeBytes:  stat.AvgSizeBytes,
		})
	}

	recentRows := make([]reportRecordInfo, 0, len(recent.Items))
	for _, item := range recent.Items {
		if item == nil {
			continue
		}
		recentRows = append(recentRows, reportRecordInfo{
			ID:            item.ID,
			Timestamp:     item.Timestamp,
			CorrelationID: item.CorrelationID,
			Method:        item.Method,
			Path:          item.Path,
			ContentKind:   item.ContentKind,
			Captured:      item.Captured,
			ParseError:    item.ParseError,
			SizeBytes:     item.SizeBytes,
			SkipReason:    item.SkipReason,
			DurationUS:    item.DurationUS,
		})
	}

	journalPath := ""
	if strings.TrimSpace(cfg.Journal.Driver) == "sqlite" {
		journalPath = cfg.Journal.Path
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Journal: reportJournalInfo{
			Driver: cfg.Journal.Driver,
			Path:   journalPath,
		},
		Filters: reportFilterInfo{
			ContentKind: filter.ContentKind,
			Captured:    filter.Captured,
			From:        reportOptionalTime(filter.From),
			To:          reportOptionalTime(filter.To),
			Limit:       filter.Limit,
		},
		Summary: reportSummaryInfo{
			TotalRequests: summary.Total,
			Captured:      summary.Captured,
			Skipped:       summary.Skipped,
			ParseErrors:   summary.ParseErrors,
			AvgDurationUS: summary.AvgDurationUS,
		},
		Kinds:  kindRows,
		Recent: recentRows,
	}, nil
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		return writeReportJSON(out, report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportJSON(out io.Writer, report reportDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "Oteltap Capture Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Journal driver\t%s\n", report.Journal.Driver)
	if strings.TrimSpace(report.Journal.Path) != "" {
		fmt.Fprintf(metadataWriter, "Journal path\t%s\n", report.Journal.Path)
	}
	fmt.Fprintf(metadataWriter, "Filter kind\t%s\n", valueOr(report.Filters.ContentKind, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter captured\t%s\n", boolPtrOr(report.Filters.Captured, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter from\t%s\n", timePtrOr(report.Filters.From, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter to\t%s\n", timePtrOr(report.Filters.To, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter limit\t%d\n", report.Filters.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Total requests\t%d\n", report.Summary.TotalRequests)
	fmt.Fprintf(summaryWriter, "Captured\t%d\n", report.Summary.Captured)
	fmt.Fprintf(summaryWriter, "Skipped\t%d\n", report.Summary.Skipped)
	fmt.Fprintf(summaryWriter, "Parse errors\t%d\n", report.Summary.ParseErrors)
	fmt.Fprintf(summaryWriter, "Avg capture duration (us)\t%.1f\n", report.Summary.AvgDurationUS)
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nContent Kinds")
	if len(report.Kinds) == 0 {
		fmt.Fprintln(out, "(no content kind data)")
	} else {
		kindWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(kindWriter, "KIND\tREQUESTS\tCAPTURED\tAVG_SIZE_BYTES")
		for _, row := range report.Kinds {
			fmt.Fprintf(kindWriter, "%s\t%d\t%d\t%.1f\n", valueOr(row.Kind, "(unknown)"), row.RequestCount, row.CapturedCount, row.AvgSizeBytes)
		}
		if err := kindWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecent Captures")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(no captures)")
		return nil
	}
	recordWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(recordWriter, "TIMESTAMP\tMETHOD\tPATH\tKIND\tCAPTURED\tSIZE_BYTES\tSKIP_REASON\tCORRELATION_ID\tRECORD_ID")
	for _, row := range report.Recent {
		fmt.Fprintf(
			recordWriter,
			"%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
			timeOr(row.Timestamp, "(unknown)"),
			valueOr(row.Method, "(unknown)"),
			valueOr(row.Path, "(unknown)"),
			valueOr(row.ContentKind, "(unknown)"),
			row.Captured,
			row.SizeBytes,
			valueOr(row.SkipReason, "-"),
			valueOr(row.CorrelationID, "-"),
			row.ID,
		)
	}
	return recordWriter.Flush()
}

func reportOptionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func boolPtrOr(value *bool, fallback string) string {
	if value == nil {
		return fallback
	}
	return strconv.FormatBool(*value)
}

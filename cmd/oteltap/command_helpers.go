package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/journal"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// journalStore is the read side of the journal used by report and doctor.
type journalStore = journal.Store

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func openConfiguredJournalStore(cfg config.JournalConfig) (journal.Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		return journal.NewSQLiteStore(cfg.Path)
	case "postgres":
		return journal.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal.driver %q", cfg.Driver)
	}
}

func closeJournalStoreWithWarning(store journal.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close journal store: %v\n", err)
	}
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timeOr(value time.Time, fallback string) string {
	if value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}

func timePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return timeOr(*value, fallback)
}

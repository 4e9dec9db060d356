package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CaptureConfig controls request-body capture. It is resolved once at
// startup and shared read-only with per-request code afterwards.
type CaptureConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MaxBodyBytes         int      `yaml:"max_body_bytes"`
	ExtraSensitiveFields []string `yaml:"extra_sensitive_fields"`
}

// JournalConfig controls the optional local journal of capture outcomes.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Exporter               string  `yaml:"exporter"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

const (
	defaultMaxBodyBytes               = 10240
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "oteltap"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Capture: CaptureConfig{
			Enabled:      true,
			MaxBodyBytes: defaultMaxBodyBytes,
		},
		Journal: JournalConfig{
			Enabled: false,
			Driver:  "sqlite",
			Path:    "./data/oteltap.db",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Exporter:               ExporterOTLP,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	if cfg.Capture.MaxBodyBytes <= 0 {
		return fmt.Errorf("capture.max_body_bytes must be > 0 (got %d)", cfg.Capture.MaxBodyBytes)
	}

	if cfg.Journal.Enabled {
		driver := strings.TrimSpace(cfg.Journal.Driver)
		switch driver {
		case "sqlite":
			if strings.TrimSpace(cfg.Journal.Path) == "" {
				return errors.New("journal.path is required when journal.driver=sqlite")
			}
		case "postgres":
			if strings.TrimSpace(cfg.Journal.DSN) == "" {
				return errors.New("journal.dsn is required when journal.driver=postgres")
			}
		default:
			return fmt.Errorf("journal.driver must be one of sqlite, postgres (got %q)", cfg.Journal.Driver)
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	switch exporter {
	case ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("observability.otel.exporter must be one of otlp, stdout (got %q)", cfg.Exporter)
	}
	if exporter == ExporterOTLP && strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.exporter=otlp")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	if strings.Contains(cfg.Endpoint, "://") {
		parsed, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
		if err != nil {
			return fmt.Errorf("parse observability.otel.endpoint: %w", err)
		}
		if strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("observability.otel.endpoint must include host (got %q)", cfg.Endpoint)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("OTELTAP_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("OTELTAP_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid OTELTAP_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if captureEnabled := os.Getenv("OTELTAP_CAPTURE_ENABLED"); captureEnabled != "" {
		v, err := strconv.ParseBool(captureEnabled)
		if err != nil {
			return fmt.Errorf("invalid OTELTAP_CAPTURE_ENABLED: %w", err)
		}
		cfg.Capture.Enabled = v
	}

	if maxBodyBytes := os.Getenv("OTELTAP_MAX_BODY_BYTES"); maxBodyBytes != "" {
		v, err := strconv.Atoi(maxBodyBytes)
		if err != nil {
			return fmt.Errorf("invalid OTELTAP_MAX_BODY_BYTES: %w", err)
		}
		cfg.Capture.MaxBodyBytes = v
	}

	if extraFields := os.Getenv("OTELTAP_EXTRA_SENSITIVE_FIELDS"); extraFields != "" {
		cfg.Capture.ExtraSensitiveFields = splitFieldList(extraFields)
	}

	if journalEnabled := os.Getenv("OTELTAP_JOURNAL_ENABLED"); journalEnabled != "" {
		v, err := strconv.ParseBool(journalEnabled)
		if err != nil {
			return fmt.Errorf("invalid OTELTAP_JOURNAL_ENABLED: %w", err)
		}
		cfg.Journal.Enabled = v
	}
	if journalDriver := os.Getenv("OTELTAP_JOURNAL_DRIVER"); journalDriver != "" {
		cfg.Journal.Driver = journalDriver
	}
	if journalPath := os.Getenv("OTELTAP_JOURNAL_PATH"); journalPath != "" {
		cfg.Journal.Path = journalPath
	}
	if journalDSN := os.Getenv("OTELTAP_JOURNAL_DSN"); journalDSN != "" {
		cfg.Journal.DSN = journalDSN
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, exporter, err := otelExporterSelection(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		if exporter != "" {
			cfg.Observability.OTel.Exporter = exporter
		}
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, _, err := otelExporterSelection(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

// splitFieldList parses a comma-separated field list, dropping empties.
func splitFieldList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func otelExporterSelection(value string) (bool, string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, ExporterOTLP, nil
	case "console", "stdout":
		return true, ExporterStdout, nil
	case "none":
		return false, "", nil
	default:
		return false, "", fmt.Errorf("must be one of otlp, console, stdout, none (got %q)", value)
	}
}

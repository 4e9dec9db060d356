package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oteltap/oteltap"
	"github.com/oteltap/oteltap/internal/config"
	"github.com/oteltap/oteltap/internal/correlation"
	"github.com/oteltap/oteltap/internal/observability"
	"github.com/oteltap/oteltap/internal/version"
)

const defaultConfigPath = "oteltap.yaml"

const shimShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve-demo":
		return runServeDemo(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runServeDemo starts a local echo server wired through the full shim so
// operators can watch redacted bodies land on spans and in the journal
// before instrumenting a real service.
func runServeDemo(args []string) int {
	flagSet := flag.NewFlagSet("serve-demo", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)).With("service", "oteltap")

	shim, err := oteltap.Setup(context.Background(), cfg, oteltap.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize shim: %v\n", err)
		return 1
	}
	defer shutdownShim(logger, shim, shimShutdownTimeout)

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           shim.Middleware(demoHandler()),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"capture_enabled", cfg.Capture.Enabled,
		"max_body_bytes", cfg.Capture.MaxBodyBytes,
		"journal_enabled", cfg.Journal.Enabled,
		"journal_driver", cfg.Journal.Driver,
		"otel_enabled", cfg.Observability.OTel.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("demo server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("demo server failed", "error", err)
			return 1
		}
		return 0
	}
}

// demoHandler echoes request metadata back as JSON. The body is read in
// full so the echo proves the capture pipeline left the stream intact.
func demoHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		correlationID, _ := correlation.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":         r.Method,
			"path":           r.URL.Path,
			"content_type":   r.Header.Get("Content-Type"),
			"body_bytes":     len(body),
			"correlation_id": correlationID,
		})
	})

	return mux
}

func shutdownShim(logger *slog.Logger, shim *oteltap.Shim, timeout time.Duration) {
	if shim == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := shim.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown shim", "error", err, "timeout", timeout.String())
		}
		return
	}
	if logger != nil {
		logger.Info("flushed capture pipeline before shutdown")
	}
}

func openJournalStore(cfg config.Config) (journalStore, error) {
	if !cfg.Journal.Enabled {
		return nil, errors.New("journal is disabled; enable journal in config to use this command")
	}
	return openConfiguredJournalStore(cfg.Journal)
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  oteltap serve-demo [--config path/to/oteltap.yaml]")
	fmt.Fprintln(out, "  oteltap version")
	fmt.Fprintln(out, "  oteltap config validate [--config path/to/oteltap.yaml]")
	fmt.Fprintln(out, "  oteltap report [--config path/to/oteltap.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--kind NAME] [--captured true|false] [--limit N]")
	fmt.Fprintln(out, "  oteltap doctor [--config path/to/oteltap.yaml] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  oteltap config validate [--config path/to/oteltap.yaml]")
}

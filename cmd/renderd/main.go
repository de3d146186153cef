package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/cthiebaud/hacklily/internal/commandsource"
	"github.com/cthiebaud/hacklily/internal/config"
	"github.com/cthiebaud/hacklily/internal/driver"
	"github.com/cthiebaud/hacklily/internal/logging"
	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/renderer"
	"github.com/cthiebaud/hacklily/internal/version"
)

const binaryName = "renderd"

var errFixturesFailed = errors.New("test run failed")

type runConfig struct {
	config         config.Config
	failOnMismatch bool
	stdout         io.Writer
	stderr         io.Writer
}

func main() {
	os.Exit(RunMain(os.Args[1:], nil))
}

func RunMain(args []string, run func(context.Context, runConfig) error) int {
	if version.IsVersionRequest(args) {
		version.Print(os.Stdout, binaryName)
		return 0
	}

	fs := flag.NewFlagSet(binaryName, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config", "", "YAML config file")
	sourceType := fs.String("source", "", "Command source: worker, batch or test_runner")
	coordinator := fs.String("coordinator", "", "Coordinator address (ws://, wss://, nats://, redis://)")
	busPrefix := fs.String("bus-prefix", "", "Subject prefix for nats and redis coordinators")
	path := fs.String("path", "", "Batch input file (.jsonl or .msgpack)")
	output := fs.String("output", "", "Batch results or test report path")
	input := fs.String("input", "", "Test runner fixture file (.jsonl or .msgpack)")
	stable := fs.Int("stable-workers", 0, "Stable render slots")
	unstable := fs.Int("unstable-workers", 0, "Unstable render slots")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: json or text")
	metricsListen := fs.String("metrics-listen", "", "Serve Prometheus metrics on this address")
	renderCommand := fs.String("render-command", "", "Render command, split on whitespace")
	renderTimeout := fs.Duration("render-timeout", 0, "Per-render timeout")
	renderLogDir := fs.String("render-log-dir", "", "Directory for per-render transcripts")
	drainGrace := fs.Duration("drain-grace", 0, "How long a draining worker waits for in-flight jobs")
	failOnMismatch := fs.Bool("fail-on-mismatch", false, "Exit non-zero when a test run has mismatches or errors")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.Default()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	} else if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.LogFormat = string(logging.FormatText)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source":
			cfg.CommandSource.Type = config.SourceType(*sourceType)
		case "coordinator":
			cfg.CommandSource.Coordinator = *coordinator
		case "bus-prefix":
			cfg.CommandSource.BusPrefix = *busPrefix
		case "path":
			cfg.CommandSource.Path = *path
		case "output":
			cfg.CommandSource.Output = *output
		case "input":
			cfg.CommandSource.Input = *input
		case "stable-workers":
			cfg.StableWorkerCount = *stable
		case "unstable-workers":
			cfg.UnstableWorkerCount = *unstable
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "metrics-listen":
			cfg.MetricsListen = *metricsListen
		case "render-command":
			cfg.Renderer.Command = strings.Fields(*renderCommand)
		case "render-timeout":
			cfg.Renderer.TimeoutMs = int(renderTimeout.Milliseconds())
		case "render-log-dir":
			cfg.Renderer.LogDir = *renderLogDir
		case "drain-grace":
			cfg.DrainGraceMs = int(drainGrace.Milliseconds())
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(cfg.Renderer.Command) == 0 {
		fmt.Fprintln(os.Stderr, "--render-command (or renderer.command) is required")
		return 1
	}

	if run == nil {
		run = defaultRun
	}
	rc := runConfig{
		config:         cfg,
		failOnMismatch: *failOnMismatch,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
	}
	if err := run(context.Background(), rc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func defaultRun(ctx context.Context, rc runConfig) error {
	cfg := rc.config
	runID := uuid.NewString()
	logger, err := logging.New(rc.stderr, logging.Options{
		Level:     cfg.LogLevel,
		Format:    logging.Format(cfg.LogFormat),
		Component: binaryName,
		RunID:     runID,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)
	if cfg.MetricsListen != "" {
		stopMetrics := serveMetrics(cfg.MetricsListen, registry, logger)
		defer stopMetrics()
	}

	var transcript *logging.TranscriptLogger
	if cfg.Renderer.LogDir != "" {
		transcript = logging.NewTranscriptLogger(cfg.Renderer.LogDir, runID)
	}
	proc, err := renderer.New(renderer.Options{
		Command:    cfg.Renderer.Command,
		Timeout:    cfg.Renderer.Timeout(),
		Logger:     logger,
		Transcript: transcript,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mu     sync.Mutex
		report *commandsource.Report
	)
	stream, quit, err := commandsource.New(ctx, cfg, commandsource.Deps{
		Logger:  logger,
		Metrics: recorder,
		Stdout:  rc.stdout,
		OnReport: func(r commandsource.Report) {
			mu.Lock()
			defer mu.Unlock()
			report = &r
		},
	})
	if err != nil {
		return err
	}
	logger.Info("command source ready", "source", string(cfg.CommandSource.Type), "workers", cfg.TotalWorkerCount())

	if err := driver.Run(ctx, stream, quit, proc, driver.Options{
		Concurrency: cfg.TotalWorkerCount(),
		Logger:      logger,
		Metrics:     recorder,
	}); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if rc.failOnMismatch && report != nil && !report.OK() {
		return fmt.Errorf("%w: %d mismatched, %d errored of %d", errFixturesFailed, report.Failed, report.Errored, report.Total)
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger logr.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server stopped", "addr", addr)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

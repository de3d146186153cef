package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cthiebaud/hacklily/internal/commandsource"
	"github.com/cthiebaud/hacklily/internal/config"
)

const echoSVG = `cat >/dev/null; printf '{"files":["<svg/>"],"logs":"ok"}\n'`

func TestRunMainParsesFlagsAndInvokesRun(t *testing.T) {
	called := false
	var got runConfig
	run := func(_ context.Context, rc runConfig) error {
		called = true
		got = rc
		return nil
	}

	code := RunMain([]string{
		"--source", "worker",
		"--coordinator", "wss://hacklily.example/renderer",
		"--stable-workers", "2",
		"--unstable-workers", "3",
		"--render-command", "lilypond-render --json",
		"--render-timeout", "4s",
		"--log-format", "text",
	}, run)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !called {
		t.Fatal("expected run function to be called")
	}
	cfg := got.config
	if cfg.CommandSource.Type != config.SourceWorker {
		t.Fatalf("expected worker source, got %q", cfg.CommandSource.Type)
	}
	if cfg.CommandSource.Coordinator != "wss://hacklily.example/renderer" {
		t.Fatalf("expected coordinator to be parsed, got %q", cfg.CommandSource.Coordinator)
	}
	if cfg.TotalWorkerCount() != 5 {
		t.Fatalf("expected 5 workers, got %d", cfg.TotalWorkerCount())
	}
	if strings.Join(cfg.Renderer.Command, " ") != "lilypond-render --json" {
		t.Fatalf("expected render command to be split, got %q", cfg.Renderer.Command)
	}
	if cfg.Renderer.TimeoutMs != 4000 {
		t.Fatalf("expected render timeout 4000ms, got %d", cfg.Renderer.TimeoutMs)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected text log format, got %q", cfg.LogFormat)
	}
	if cfg.Reconnect.MaxAttempts != config.DefaultReconnectMaxAttempts {
		t.Fatalf("expected default reconnect attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
}

func TestRunMainFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderd.yaml")
	yaml := "command_source:\n  type: batch\n  path: jobs.jsonl\nlog_level: warn\nrenderer:\n  command: [lilypond-render]\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var got runConfig
	code := RunMain([]string{"--config", path, "--log-level", "debug"}, func(_ context.Context, rc runConfig) error {
		got = rc
		return nil
	})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if got.config.CommandSource.Path != "jobs.jsonl" {
		t.Fatalf("expected path from file, got %q", got.config.CommandSource.Path)
	}
	if got.config.LogLevel != "debug" {
		t.Fatalf("expected flag to override log level, got %q", got.config.LogLevel)
	}
}

func TestRunMainRejectsInvalidConfig(t *testing.T) {
	cases := map[string][]string{
		"missing source":         {"--render-command", "lilypond-render"},
		"missing render command": {"--source", "batch", "--path", "jobs.jsonl"},
		"worker without address": {"--source", "worker", "--render-command", "lilypond-render"},
		"unknown flag":           {"--bogus"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			called := false
			code := RunMain(args, func(context.Context, runConfig) error {
				called = true
				return nil
			})
			if code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if called {
				t.Fatal("expected run not to be called")
			}
		})
	}
}

func TestRunMainReturnsErrorWhenRunFails(t *testing.T) {
	code := RunMain([]string{"--source", "batch", "--path", "jobs.jsonl", "--render-command", "true"}, func(context.Context, runConfig) error {
		return errors.New("boom")
	})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRunMainPrintsVersion(t *testing.T) {
	if code := RunMain([]string{"--version"}, nil); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestDefaultRunRendersBatch(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "jobs.jsonl")
	records := `{"id":"one","backend":"svg","src":"{ c4 }"}` + "\n" + `{"id":"two","backend":"svg","src":"{ d4 }"}` + "\n"
	if err := os.WriteFile(input, []byte(records), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	cfg := config.Default()
	cfg.StableWorkerCount = 2
	cfg.CommandSource = config.CommandSource{Type: config.SourceBatch, Path: input}
	cfg.Renderer.Command = []string{"sh", "-c", echoSVG}

	var stdout, stderr bytes.Buffer
	if err := defaultRun(context.Background(), runConfig{config: cfg, stdout: &stdout, stderr: &stderr}); err != nil {
		t.Fatalf("defaultRun: %v\n%s", err, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 result lines, got %q", stdout.String())
	}
	if !strings.Contains(lines[0], `"id":"one"`) || !strings.Contains(lines[1], `"id":"two"`) {
		t.Fatalf("expected results in input order, got %q", lines)
	}
	if !strings.Contains(stderr.String(), `"component":"renderd"`) {
		t.Fatalf("expected structured log lines, got %q", stderr.String())
	}
}

func TestDefaultRunFailsOnMismatchWhenAsked(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "fixtures.jsonl")
	fixture := `{"id":"one","request":{"backend":"svg","src":"{ c4 }"},"expected":{"files":["<svg/>"],"logs":"different"}}` + "\n"
	if err := os.WriteFile(input, []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}

	cfg := config.Default()
	cfg.CommandSource = config.CommandSource{Type: config.SourceTestRunner, Input: input, Output: filepath.Join(dir, "report.json")}
	cfg.Renderer.Command = []string{"sh", "-c", echoSVG}

	var stdout, stderr bytes.Buffer
	if err := defaultRun(context.Background(), runConfig{config: cfg, stdout: &stdout, stderr: &stderr}); err != nil {
		t.Fatalf("mismatches alone must not fail the run: %v", err)
	}
	err := defaultRun(context.Background(), runConfig{config: cfg, failOnMismatch: true, stdout: &stdout, stderr: &stderr})
	if !errors.Is(err, errFixturesFailed) {
		t.Fatalf("expected errFixturesFailed, got %v", err)
	}
}

func TestDefaultRunSurfacesConstructionErrors(t *testing.T) {
	cfg := config.Default()
	cfg.CommandSource = config.CommandSource{Type: config.SourceBatch, Path: filepath.Join(t.TempDir(), "missing.jsonl")}
	cfg.Renderer.Command = []string{"true"}

	var stdout, stderr bytes.Buffer
	err := defaultRun(context.Background(), runConfig{config: cfg, stdout: &stdout, stderr: &stderr})
	var construction *commandsource.ConstructionError
	if !errors.As(err, &construction) {
		t.Fatalf("expected ConstructionError, got %v", err)
	}
}

// Package renderer runs an external render command for each request. The
// command reads one JSON request line on stdin and prints one JSON response.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/cthiebaud/hacklily/internal/logging"
	"github.com/cthiebaud/hacklily/internal/render"
)

// DefaultTimeout matches the coordinator's hang threshold.
const DefaultTimeout = 6 * time.Second

type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs commands with os/exec. Stderr is folded into the error.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

type Options struct {
	Command []string
	// Timeout bounds one render. Zero means DefaultTimeout.
	Timeout time.Duration
	Runner  CommandRunner
	Logger  logr.Logger
	// Transcript, when set, records every command run.
	Transcript *logging.TranscriptLogger
}

type ProcessRenderer struct {
	command    []string
	timeout    time.Duration
	runner     CommandRunner
	logger     logr.Logger
	transcript *logging.TranscriptLogger
}

func New(opts Options) (*ProcessRenderer, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, errors.New("render command is empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ProcessRenderer{
		command:    append([]string(nil), opts.Command...),
		timeout:    timeout,
		runner:     runner,
		logger:     opts.Logger.WithName("renderer"),
		transcript: opts.Transcript,
	}, nil
}

// Render never fails outright: problems running the command come back as a
// Response with Error set, so the caller always has something to deliver.
func (r *ProcessRenderer) Render(ctx context.Context, req render.Request) render.Response {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return render.Response{Error: fmt.Sprintf("encode request: %v", err)}
	}
	started := time.Now()
	out, err := r.runner.Run(ctx, r.command[0], r.command[1:], append(payload, '\n'))
	if logErr := r.transcript.Record(req.ID, string(req.Backend), r.command, out, err, started); logErr != nil {
		r.logger.Error(logErr, "write render transcript", "id", req.ID)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Info("render timed out", "id", req.ID, "timeout", r.timeout.String())
			return render.Response{Error: fmt.Sprintf("render timed out after %s", r.timeout)}
		}
		r.logger.Error(err, "render command failed", "id", req.ID)
		return render.Response{Error: err.Error()}
	}

	var resp render.Response
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		r.logger.Error(err, "render command printed an invalid response", "id", req.ID)
		return render.Response{Error: fmt.Sprintf("invalid renderer output: %v", err)}
	}
	r.logger.V(1).Info("rendered", "id", req.ID, "backend", string(req.Backend), "duration", time.Since(started).String())
	return resp
}

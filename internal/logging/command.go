package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxTranscriptOutput caps how much renderer stdout lands in a transcript
// line. SVG pages can run to megabytes.
const maxTranscriptOutput = 4096

// TranscriptLogger appends one structured line per render command run to a
// daily file under its directory.
type TranscriptLogger struct {
	dir   string
	runID string
	now   func() time.Time
	mu    sync.Mutex
}

// TranscriptEntry is the structured transcript line format.
type TranscriptEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	LoggingSchemaFields
	Message   string `json:"message"`
	JobID     string `json:"job_id"`
	Backend   string `json:"backend,omitempty"`
	Command   string `json:"command"`
	StartTime string `json:"start_time"`
	Elapsed   string `json:"elapsed"`
	ExitCode  int    `json:"exit_code"`
	Status    string `json:"status"`
	Stdout    string `json:"stdout,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewTranscriptLogger(dir string, runID string) *TranscriptLogger {
	return &TranscriptLogger{
		dir:   dir,
		runID: runID,
		now:   time.Now,
	}
}

// Record logs one render command run. A nil logger records nothing.
func (l *TranscriptLogger) Record(jobID string, backend string, command []string, stdout []byte, err error, startTime time.Time) error {
	if l == nil {
		return nil
	}
	if len(command) == 0 {
		command = []string{"unknown"}
	}

	now := l.now()
	level := "info"
	status := "ok"
	if err != nil {
		level = "error"
		status = "failed"
	}
	output := string(stdout)
	truncated := len(output) > maxTranscriptOutput
	if truncated {
		output = output[:maxTranscriptOutput]
	}

	entry := TranscriptEntry{
		Timestamp:           now.UTC().Format(time.RFC3339),
		Level:               level,
		LoggingSchemaFields: populateRequiredLogFields(LoggingSchemaFields{Component: "renderer", RunID: l.runID}),
		Message:             "render command finished",
		JobID:               jobID,
		Backend:             backend,
		Command:             strings.Join(command, " "),
		StartTime:           startTime.UTC().Format(time.RFC3339),
		Elapsed:             now.Sub(startTime).Round(time.Millisecond).String(),
		ExitCode:            exitCodeFromError(err),
		Status:              status,
		Stdout:              output,
		Truncated:           truncated,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	payload, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return marshalErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	logFile, openErr := os.OpenFile(filepath.Join(l.dir, transcriptFileName(now)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return openErr
	}
	defer logFile.Close()

	if _, writeErr := logFile.Write(append(payload, '\n')); writeErr != nil {
		return writeErr
	}
	return nil
}

func transcriptFileName(now time.Time) string {
	return fmt.Sprintf("renders-%s.jsonl", now.UTC().Format("20060102"))
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

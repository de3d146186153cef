package commandsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/render"
)

const testRunnerSourceName = "test_runner"

// Fixture is one test-runner record: a request and the response it must
// render to.
type Fixture struct {
	ID       string          `json:"id" msgpack:"id"`
	Request  render.Request  `json:"request" msgpack:"request"`
	Expected render.Response `json:"expected" msgpack:"expected"`
}

type Outcome string

const (
	OutcomePass     Outcome = "pass"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeError    Outcome = "error"
)

// ReportEntry is the result for one fixture. A mismatch is a recorded
// result, not a stream error.
type ReportEntry struct {
	Index   int     `json:"index"`
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Diff    string  `json:"diff,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type Report struct {
	Total   int           `json:"total"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Errored int           `json:"errored"`
	Entries []ReportEntry `json:"entries"`
}

// OK reports whether every fixture rendered to its expected response.
func (r Report) OK() bool {
	return r.Failed == 0 && r.Errored == 0
}

func (r Report) Mismatches() []ReportEntry {
	var out []ReportEntry
	for _, entry := range r.Entries {
		if entry.Outcome == OutcomeMismatch {
			out = append(out, entry)
		}
	}
	return out
}

type TestRunnerOptions struct {
	Input   string
	Output  string
	Logger  logr.Logger
	Metrics *metrics.Recorder
	// OnReport receives the finished report after it has been written.
	OnReport func(Report)
}

type testRunnerSource struct {
	reader   recordReader
	out      io.WriteCloser
	logger   logr.Logger
	metrics  *metrics.Recorder
	onReport func(Report)

	mu       sync.Mutex
	entries  map[int]ReportEntry
	total    int
	sealed   bool
	finished bool
}

// NewTestRunner opens the fixture file and the report output and streams one
// item per fixture. Each callback compares the rendered response with the
// fixture's expected one.
func NewTestRunner(ctx context.Context, opts TestRunnerOptions) (RequestStream, QuitSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &ConstructionError{Source: testRunnerSourceName, Err: err}
	}
	reader, err := openRecordReader(opts.Input)
	if err != nil {
		return nil, nil, &ConstructionError{Source: testRunnerSourceName, Err: fmt.Errorf("open fixtures: %w", err)}
	}
	if opts.Output == "" {
		_ = reader.Close()
		return nil, nil, &ConstructionError{Source: testRunnerSourceName, Err: errors.New("report output path is empty")}
	}
	out, err := openOutput(opts.Output, nil)
	if err != nil {
		_ = reader.Close()
		return nil, nil, &ConstructionError{Source: testRunnerSourceName, Err: fmt.Errorf("open report output: %w", err)}
	}

	t := &testRunnerSource{
		reader:   reader,
		out:      out,
		logger:   opts.Logger.WithName(testRunnerSourceName),
		metrics:  opts.Metrics,
		onReport: opts.OnReport,
		entries:  make(map[int]ReportEntry),
	}
	stream := make(chan StreamItem)
	quit := newQuitChannel()
	go t.run(stream, quit)
	return stream, quit, nil
}

func (t *testRunnerSource) run(out chan<- StreamItem, quit <-chan QuitSignal) {
	defer close(out)
	defer t.reader.Close()

	index := 0
	for {
		if quitRequested(quit) {
			t.logger.Info("quit requested, report will cover fixtures read so far", "fixtures", index)
			t.seal(index)
			return
		}

		var fixture Fixture
		err := t.reader.Next(&fixture)
		if errors.Is(err, io.EOF) {
			t.seal(index)
			return
		}
		index++
		if err != nil && !errors.Is(err, errMalformedRecord) {
			t.logger.Error(err, "fixture input unreadable", "record", index)
			t.record(ReportEntry{Index: index, ID: strconv.Itoa(index), Outcome: OutcomeError, Error: err.Error()})
			t.seal(index)
			emit(out, quit, StreamItem{Err: &RecordError{Index: index, Err: err}})
			return
		}

		fixture.ID = fixtureID(fixture, index)
		if fixture.Request.ID == "" {
			fixture.Request.ID = fixture.ID
		}
		if err == nil {
			fixture.Request, err = prepareRequest(fixture.Request, index)
		}
		if err != nil {
			t.metrics.RecordError(testRunnerSourceName)
			t.record(ReportEntry{Index: index, ID: fixture.ID, Outcome: OutcomeError, Error: err.Error()})
			if !emit(out, quit, StreamItem{Err: &RecordError{Index: index, ID: fixture.ID, Err: err}}) {
				t.seal(index)
				return
			}
			continue
		}

		item := StreamItem{Request: fixture.Request, Respond: Once(t.comparer(index, fixture))}
		if !emit(out, quit, item) {
			t.logger.Info("quit requested, report will cover fixtures read so far", "fixtures", index-1)
			t.seal(index - 1)
			return
		}
		t.metrics.ItemEmitted(testRunnerSourceName)
	}
}

func fixtureID(f Fixture, index int) string {
	switch {
	case f.ID != "":
		return f.ID
	case f.Request.ID != "":
		return f.Request.ID
	default:
		return strconv.Itoa(index)
	}
}

func (t *testRunnerSource) comparer(index int, fixture Fixture) func(render.Response) error {
	return func(actual render.Response) error {
		t.metrics.ResponseSent(testRunnerSourceName)
		entry := ReportEntry{Index: index, ID: fixture.ID, Outcome: OutcomePass}
		if diff := cmp.Diff(fixture.Expected, actual, cmpopts.EquateEmpty()); diff != "" {
			entry.Outcome = OutcomeMismatch
			entry.Diff = diff
			t.metrics.Mismatch()
			t.logger.Info("fixture mismatch", "id", fixture.ID, "index", index)
		}
		return t.record(entry)
	}
}

func (t *testRunnerSource) record(entry ReportEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.Index] = entry
	return t.finishIfSettledLocked()
}

// seal records how many fixtures were read. The report is written once each
// of them has an entry.
func (t *testRunnerSource) seal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.sealed = true
	if err := t.finishIfSettledLocked(); err != nil {
		t.logger.Error(err, "write test report")
	}
}

func (t *testRunnerSource) finishIfSettledLocked() error {
	if t.finished || !t.sealed || len(t.entries) < t.total {
		return nil
	}
	t.finished = true

	report := buildReport(t.entries, t.total)
	err := writeReport(t.out, report)
	t.logger.Info("test run complete",
		"total", report.Total,
		"passed", report.Passed,
		"failed", report.Failed,
		"errored", report.Errored,
	)
	if t.onReport != nil {
		t.onReport(report)
	}
	return err
}

func buildReport(entries map[int]ReportEntry, total int) Report {
	report := Report{Entries: make([]ReportEntry, 0, len(entries))}
	for index, entry := range entries {
		if index > total {
			continue
		}
		report.Entries = append(report.Entries, entry)
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].Index < report.Entries[j].Index
	})
	for _, entry := range report.Entries {
		switch entry.Outcome {
		case OutcomePass:
			report.Passed++
		case OutcomeMismatch:
			report.Failed++
		default:
			report.Errored++
		}
	}
	report.Total = len(report.Entries)
	return report
}

func writeReport(out io.WriteCloser, report Report) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("encode test report: %w", err)
	}
	if _, err := out.Write(append(raw, '\n')); err != nil {
		_ = out.Close()
		return fmt.Errorf("write test report: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close test report: %w", err)
	}
	return nil
}

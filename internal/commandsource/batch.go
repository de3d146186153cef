package commandsource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-logr/logr"

	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/render"
)

const batchSourceName = "batch"

type BatchOptions struct {
	// Path is the input file: JSON Lines, or MessagePack for .msgpack/.mpk.
	Path string
	// Output receives one JSON line per answered request. Empty means Stdout.
	Output  string
	Stdout  io.Writer
	Logger  logr.Logger
	Metrics *metrics.Recorder
	// OnComplete, if set, receives the summary once the output is closed.
	OnComplete func(BatchSummary)
}

// BatchSummary is logged once every emitted request has been answered.
type BatchSummary struct {
	Records   int
	Succeeded int
	Failed    int
	Malformed int
}

type batchOutputLine struct {
	ID       string          `json:"id"`
	Response render.Response `json:"response"`
}

type batchSource struct {
	reader     recordReader
	logger     logr.Logger
	metrics    *metrics.Recorder
	onComplete func(BatchSummary)

	mu       sync.Mutex
	out      io.WriteCloser
	writer   *bufio.Writer
	next     int
	pending  map[int][]byte
	resolved int
	total    int
	sealed   bool
	finished bool
	writeErr error
	summary  BatchSummary
}

// NewBatch opens the batch input and output and starts streaming one item per
// record in file order. Failing to open either file is a *ConstructionError.
func NewBatch(ctx context.Context, opts BatchOptions) (RequestStream, QuitSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &ConstructionError{Source: batchSourceName, Err: err}
	}
	reader, err := openRecordReader(opts.Path)
	if err != nil {
		return nil, nil, &ConstructionError{Source: batchSourceName, Err: fmt.Errorf("open batch input: %w", err)}
	}
	out, err := openOutput(opts.Output, opts.Stdout)
	if err != nil {
		_ = reader.Close()
		return nil, nil, &ConstructionError{Source: batchSourceName, Err: fmt.Errorf("open batch output: %w", err)}
	}

	b := &batchSource{
		reader:     reader,
		logger:     opts.Logger.WithName(batchSourceName),
		metrics:    opts.Metrics,
		onComplete: opts.OnComplete,
		out:        out,
		writer:     bufio.NewWriter(out),
		next:       1,
		pending:    make(map[int][]byte),
	}
	stream := make(chan StreamItem)
	quit := newQuitChannel()
	go b.run(stream, quit)
	return stream, quit, nil
}

func (b *batchSource) run(out chan<- StreamItem, quit <-chan QuitSignal) {
	defer close(out)
	defer b.reader.Close()

	index := 0
	for {
		if quitRequested(quit) {
			b.logger.Info("quit requested, stopping batch early", "records", index)
			b.seal(index)
			return
		}

		var req render.Request
		err := b.reader.Next(&req)
		if errors.Is(err, io.EOF) {
			b.seal(index)
			return
		}
		if err != nil && !errors.Is(err, errMalformedRecord) {
			b.logger.Error(err, "batch input unreadable", "record", index+1)
			b.seal(index)
			emit(out, quit, StreamItem{Err: &RecordError{Index: index + 1, Err: err}})
			return
		}

		index++
		if err == nil {
			req, err = prepareRequest(req, index)
		}
		if err != nil {
			b.skip(index, true)
			b.metrics.RecordError(batchSourceName)
			if !emit(out, quit, StreamItem{Err: &RecordError{Index: index, ID: req.ID, Err: err}}) {
				b.seal(index)
				return
			}
			continue
		}

		item := StreamItem{Request: req, Respond: Once(b.responder(index, req.ID))}
		if !emit(out, quit, item) {
			b.logger.Info("quit requested, stopping batch early", "records", index-1)
			b.skip(index, false)
			b.seal(index)
			return
		}
		b.metrics.ItemEmitted(batchSourceName)
	}
}

// prepareRequest validates a decoded record and gives it a positional id when
// the record carries none.
func prepareRequest(req render.Request, index int) (render.Request, error) {
	if req.ID == "" {
		req.ID = strconv.Itoa(index)
	}
	if err := render.Validate(req); err != nil {
		return req, fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	return render.Normalize(req), nil
}

func (b *batchSource) responder(index int, id string) func(render.Response) error {
	return func(resp render.Response) error {
		line, err := json.Marshal(batchOutputLine{ID: id, Response: resp})
		if err != nil {
			err = fmt.Errorf("encode response for %s: %w", id, err)
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if resp.Failed() {
			b.summary.Failed++
		} else {
			b.summary.Succeeded++
		}
		b.metrics.ResponseSent(batchSourceName)
		b.resolveLocked(index, line)
		if err != nil {
			return err
		}
		return b.writeErr
	}
}

// skip resolves a record that will never be answered.
func (b *batchSource) skip(index int, malformed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if malformed {
		b.summary.Malformed++
	}
	b.resolveLocked(index, nil)
}

// seal records how many records were read. Output is finalised once every one
// of them is resolved.
func (b *batchSource) seal(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = total
	b.sealed = true
	b.finishIfSettledLocked()
}

// resolveLocked parks line under its record index and writes every line that
// is now contiguous with what was already written. A nil line is a record
// with no output.
func (b *batchSource) resolveLocked(index int, line []byte) {
	b.pending[index] = line
	for {
		ready, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.next++
		if ready == nil || b.writeErr != nil {
			continue
		}
		if _, err := b.writer.Write(append(ready, '\n')); err != nil {
			b.writeErr = fmt.Errorf("write batch output: %w", err)
		}
	}
	b.resolved++
	b.finishIfSettledLocked()
}

func (b *batchSource) finishIfSettledLocked() {
	if b.finished || !b.sealed || b.resolved < b.total {
		return
	}
	b.finished = true
	if err := b.writer.Flush(); err != nil && b.writeErr == nil {
		b.writeErr = fmt.Errorf("flush batch output: %w", err)
	}
	if err := b.out.Close(); err != nil && b.writeErr == nil {
		b.writeErr = fmt.Errorf("close batch output: %w", err)
	}
	b.summary.Records = b.total
	if b.writeErr != nil {
		b.logger.Error(b.writeErr, "batch output incomplete")
	}
	b.logger.Info("batch complete",
		"records", b.summary.Records,
		"succeeded", b.summary.Succeeded,
		"failed", b.summary.Failed,
		"malformed", b.summary.Malformed,
	)
	if b.onComplete != nil {
		b.onComplete(b.summary)
	}
}

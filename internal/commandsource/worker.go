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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/cthiebaud/hacklily/internal/distributed"
	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/render"
)

const (
	workerSourceName = "worker"

	defaultDrainGrace        = 10 * time.Second
	defaultHeartbeatInterval = time.Second
	dialTimeout              = 10 * time.Second
	sendTimeout              = 10 * time.Second
)

var errCoordinatorGoodbye = errors.New("coordinator closed the session")

type WorkerOptions struct {
	Transport distributed.Transport
	// WorkerID names this worker to the coordinator. Empty means a random UUID.
	WorkerID          string
	Capacity          Capacity
	Reconnect         ReconnectPolicy
	DrainGrace        time.Duration
	HeartbeatInterval time.Duration
	Logger            logr.Logger
	Metrics           *metrics.Recorder
	// Closer is closed once the worker reaches Closed, e.g. the bus behind a
	// BusTransport.
	Closer io.Closer
	// OnStateChange observes every accepted state transition.
	OnStateChange func(from, to State)
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.Reconnect == (ReconnectPolicy{}) {
		o.Reconnect = DefaultReconnectPolicy()
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = defaultDrainGrace
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	return o
}

func (o WorkerOptions) validate() error {
	if o.Transport == nil {
		return errors.New("no coordinator transport configured")
	}
	if err := o.Capacity.Validate(); err != nil {
		return err
	}
	return o.Reconnect.Validate()
}

type pendingJob struct {
	id         json.RawMessage
	generation uint64
	seq        uint64
}

type frame struct {
	msg distributed.Message
	err error
}

type workerSource struct {
	opts    WorkerOptions
	logger  logr.Logger
	metrics *metrics.Recorder
	machine *stateMachine
	out     chan StreamItem
	quit    chan QuitSignal
	idle    chan struct{}

	mu         sync.Mutex
	generation uint64
	seq        uint64
	pending    map[string]pendingJob

	closeOnce sync.Once

	// Only touched by the run goroutine.
	quitting bool
	pingSeq  int
}

// NewWorker connects to the coordinator, advertises capacity and starts
// streaming the jobs it assigns. A failed first connection is a
// *ConstructionError; later losses are retried per opts.Reconnect.
func NewWorker(ctx context.Context, opts WorkerOptions) (RequestStream, QuitSink, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, &ConstructionError{Source: workerSourceName, Err: err}
	}

	w := &workerSource{
		opts:    opts,
		logger:  opts.Logger.WithName(workerSourceName).WithValues("worker_id", opts.WorkerID),
		metrics: opts.Metrics,
		out:     make(chan StreamItem),
		quit:    newQuitChannel(),
		idle:    make(chan struct{}, 1),
		pending: make(map[string]pendingJob),
	}
	w.machine = newStateMachine(w.stateChanged)
	w.metrics.SetWorkerState(StateConnecting.String())

	conn, err := w.connect(ctx)
	if err != nil {
		_ = w.machine.Transition(StateClosed)
		w.closeResources()
		return nil, nil, &ConstructionError{Source: workerSourceName, Err: err}
	}
	if err := w.machine.Transition(StateReady); err != nil {
		_ = conn.Close()
		w.closeResources()
		return nil, nil, &ConstructionError{Source: workerSourceName, Err: err}
	}
	go w.run(conn)
	return w.out, w.quit, nil
}

func (w *workerSource) stateChanged(from, to State) {
	w.metrics.SetWorkerState(to.String())
	w.logger.V(1).Info("worker state changed", "from", from.String(), "to", to.String())
	if w.opts.OnStateChange != nil {
		w.opts.OnStateChange(from, to)
	}
}

// connect dials once and advertises capacity on the new connection.
func (w *workerSource) connect(ctx context.Context) (distributed.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := w.opts.Transport.Dial(dialCtx)
	if err != nil {
		return nil, err
	}
	advert, err := distributed.NewCapacityAdvertisement(w.opts.Capacity.Total(), w.opts.WorkerID)
	if err == nil {
		err = conn.Send(dialCtx, advert)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advertise capacity: %w", err)
	}

	w.mu.Lock()
	w.generation++
	generation := w.generation
	w.mu.Unlock()
	w.logger.Info("connected to coordinator",
		"generation", generation,
		"max_jobs", w.opts.Capacity.Total(),
		"stable", w.opts.Capacity.Stable,
		"unstable", w.opts.Capacity.Unstable,
	)
	return conn, nil
}

func (w *workerSource) run(conn distributed.Conn) {
	defer close(w.out)
	defer w.closeResources()
	for conn != nil {
		cause := w.serve(conn)
		if cause == nil {
			return
		}
		conn = w.reconnect(cause)
	}
}

func (w *workerSource) closeResources() {
	w.closeOnce.Do(func() {
		if w.opts.Closer == nil {
			return
		}
		if err := w.opts.Closer.Close(); err != nil {
			w.logger.Error(err, "close coordinator transport")
		}
	})
}

// quitCh is the quit channel while a quit is still meaningful, nil after.
func (w *workerSource) quitCh() chan QuitSignal {
	if w.quitting {
		return nil
	}
	return w.quit
}

// serve pumps one connection until it is lost (non-nil error) or the worker
// has drained and closed (nil).
func (w *workerSource) serve(conn distributed.Conn) error {
	generation := w.currentGeneration()
	frames := make(chan frame)
	stop := make(chan struct{})
	go receiveFrames(conn, frames, stop)
	defer func() {
		close(stop)
		_ = conn.Close()
	}()

	heartbeat := time.NewTicker(w.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	var drainTimer *time.Timer
	var drainDeadline <-chan time.Time
	defer func() {
		if drainTimer != nil {
			drainTimer.Stop()
		}
	}()
	startDrain := func() bool {
		if w.beginDrain(conn) {
			return true
		}
		drainTimer = time.NewTimer(w.opts.DrainGrace)
		drainDeadline = drainTimer.C
		return false
	}

	for {
		select {
		case <-w.quitCh():
			if startDrain() {
				return nil
			}
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, distributed.ErrMalformedMessage) {
					w.logger.Error(f.err, "ignoring malformed coordinator frame")
					continue
				}
				return f.err
			}
			quit, err := w.handle(conn, generation, f.msg)
			if quit && startDrain() {
				return nil
			}
			if err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := w.ping(conn); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-w.idle:
			if w.quitting && w.pendingCount() == 0 {
				w.finishDrain()
				return nil
			}
		case <-drainDeadline:
			w.finishDrain()
			return nil
		}
	}
}

func receiveFrames(conn distributed.Conn, frames chan<- frame, stop <-chan struct{}) {
	for {
		msg, err := conn.Receive()
		select {
		case frames <- frame{msg: msg, err: err}:
		case <-stop:
			return
		}
		if err != nil && !errors.Is(err, distributed.ErrMalformedMessage) {
			return
		}
	}
}

// handle processes one coordinator message. The bool reports that a quit
// signal was consumed while a job was being handed to the consumer.
func (w *workerSource) handle(conn distributed.Conn, generation uint64, msg distributed.Message) (bool, error) {
	if !msg.IsRequest() {
		if msg.Error != nil {
			w.logger.Info("coordinator answered with an error", "id", msg.JobID(), "code", msg.Error.Code, "message", msg.Error.Message)
		}
		return false, nil
	}

	switch msg.Method {
	case distributed.MethodRender:
		return w.handleRender(conn, generation, msg)
	case distributed.MethodPing:
		if msg.JobID() == "" {
			return false, nil
		}
		reply, err := distributed.NewResult(msg.ID, "pong")
		if err != nil {
			return false, err
		}
		return false, w.send(conn, reply)
	case distributed.MethodGoodbye:
		return false, errCoordinatorGoodbye
	default:
		w.logger.Info("ignoring unknown coordinator method", "method", msg.Method)
		if msg.JobID() == "" {
			return false, nil
		}
		return false, w.send(conn, distributed.NewErrorReply(msg.ID, distributed.ErrorCodeInvalidRequest, "Unknown method."))
	}
}

func (w *workerSource) handleRender(conn distributed.Conn, generation uint64, msg distributed.Message) (bool, error) {
	key := msg.JobID()
	if key == "" {
		w.metrics.RecordError(workerSourceName)
		return w.emitError(&RecordError{Err: errors.New("render job without id")}), nil
	}
	if w.quitting {
		w.logger.Info("rejecting job while draining", "job_id", key)
		return false, w.send(conn, distributed.NewErrorReply(msg.ID, distributed.ErrorCodeInternal, "worker draining"))
	}

	req, err := render.DecodeRequest(msg.Params)
	if err == nil {
		err = w.register(key, msg.ID, generation)
	}
	if err != nil {
		w.metrics.RecordError(workerSourceName)
		w.logger.Error(err, "rejecting render job", "job_id", key)
		if sendErr := w.send(conn, distributed.NewErrorReply(msg.ID, distributed.ErrorCodeInvalidRequest, "Invalid request.")); sendErr != nil {
			return false, sendErr
		}
		return w.emitError(&RecordError{ID: key, Err: err}), nil
	}
	if req.ID == "" {
		req.ID = key
	}

	item := StreamItem{Request: req, Respond: Once(w.responder(conn, generation, key))}
	if emit(w.out, w.quitCh(), item) {
		w.metrics.ItemEmitted(workerSourceName)
		return false, nil
	}

	// Quit arrived while the consumer was busy: hand the job back.
	w.release(key, generation)
	return true, w.send(conn, distributed.NewErrorReply(msg.ID, distributed.ErrorCodeInternal, "worker draining"))
}

// emitError hands an error item to the consumer and reports whether a quit
// signal was consumed instead. The item is delivered either way.
func (w *workerSource) emitError(err error) bool {
	item := StreamItem{Err: err}
	if emit(w.out, w.quitCh(), item) {
		return false
	}
	w.out <- item
	return true
}

func (w *workerSource) register(key string, id json.RawMessage, generation uint64) error {
	w.mu.Lock()
	if _, exists := w.pending[key]; exists {
		w.mu.Unlock()
		return fmt.Errorf("job %s is already in flight", key)
	}
	w.seq++
	w.pending[key] = pendingJob{id: id, generation: generation, seq: w.seq}
	inFlight := len(w.pending)
	w.mu.Unlock()
	w.metrics.SetInFlight(inFlight)
	return nil
}

// lookup finds a job that still belongs to generation.
func (w *workerSource) lookup(key string, generation uint64) (pendingJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.pending[key]
	if !ok || job.generation != generation {
		return pendingJob{}, false
	}
	return job, true
}

// release frees the job's slot once its answer has left, and wakes a
// draining worker when nothing is left in flight. It reports whether the job
// was still pending.
func (w *workerSource) release(key string, generation uint64) bool {
	w.mu.Lock()
	job, removed := w.pending[key]
	removed = removed && job.generation == generation
	if removed {
		delete(w.pending, key)
	}
	inFlight := len(w.pending)
	w.mu.Unlock()

	w.metrics.SetInFlight(inFlight)
	if inFlight == 0 {
		select {
		case w.idle <- struct{}{}:
		default:
		}
	}
	return removed
}

func (w *workerSource) responder(conn distributed.Conn, generation uint64, key string) func(render.Response) error {
	return func(resp render.Response) error {
		job, ok := w.lookup(key, generation)
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobLost, key)
		}
		msg, encodeErr := distributed.NewResult(job.id, resp)
		if encodeErr != nil {
			msg = distributed.NewErrorReply(job.id, distributed.ErrorCodeInternal, "Internal error.")
		}
		sendErr := w.send(conn, msg)
		stillPending := w.release(key, generation)
		if sendErr != nil {
			// A connection loss handled concurrently has already counted it.
			if stillPending {
				w.metrics.JobLost(1)
			}
			return &ConnectionError{JobID: key, Generation: generation, Err: sendErr}
		}
		w.metrics.ResponseSent(workerSourceName)
		return encodeErr
	}
}

func (w *workerSource) send(conn distributed.Conn, msg distributed.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Send(ctx, msg)
}

func (w *workerSource) ping(conn distributed.Conn) error {
	w.pingSeq++
	return w.send(conn, distributed.NewPing("ping-"+strconv.Itoa(w.pingSeq)))
}

func (w *workerSource) currentGeneration() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

func (w *workerSource) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// beginDrain moves to Draining and tells the coordinator we are leaving. It
// reports true when nothing is in flight and the worker closed right away.
func (w *workerSource) beginDrain(conn distributed.Conn) bool {
	w.quitting = true
	if err := w.machine.Transition(StateDraining); err != nil {
		w.logger.Error(err, "enter draining")
	}
	inFlight := w.pendingCount()
	w.logger.Info("quit requested, draining", "in_flight", inFlight, "grace", w.opts.DrainGrace.String())
	if err := w.send(conn, distributed.NewGoodbye()); err != nil {
		w.logger.Error(err, "send goodbye to coordinator")
	}
	if inFlight == 0 {
		w.finishDrain()
		return true
	}
	return false
}

// finishDrain abandons whatever is still pending and closes the worker.
func (w *workerSource) finishDrain() {
	w.mu.Lock()
	dropped := len(w.pending)
	w.pending = make(map[string]pendingJob)
	w.mu.Unlock()

	w.metrics.SetInFlight(0)
	if dropped > 0 {
		w.metrics.JobDropped(dropped)
		w.logger.Error(nil, "drain grace period expired, dropping in-flight jobs", "dropped", dropped)
	}
	if err := w.machine.Transition(StateClosed); err != nil {
		w.logger.Error(err, "close worker")
	}
	w.logger.Info("worker closed", "dropped", dropped)
}

// failPending removes every job of generation and returns their ids in
// arrival order.
func (w *workerSource) failPending(generation uint64) []string {
	w.mu.Lock()
	var lost []pendingJob
	keys := make(map[uint64]string)
	for key, job := range w.pending {
		if job.generation != generation {
			continue
		}
		lost = append(lost, job)
		keys[job.seq] = key
		delete(w.pending, key)
	}
	inFlight := len(w.pending)
	w.mu.Unlock()

	w.metrics.SetInFlight(inFlight)
	sort.Slice(lost, func(i, j int) bool { return lost[i].seq < lost[j].seq })
	ids := make([]string, 0, len(lost))
	for _, job := range lost {
		ids = append(ids, keys[job.seq])
	}
	return ids
}

// reconnect handles a lost connection. It returns the replacement
// connection, or nil once the worker is Closed.
func (w *workerSource) reconnect(cause error) distributed.Conn {
	generation := w.currentGeneration()
	if err := w.machine.Transition(StateReconnecting); err != nil {
		w.logger.Error(err, "enter reconnecting")
	}
	w.logger.Error(cause, "coordinator connection lost", "generation", generation)

	lost := w.failPending(generation)
	w.metrics.JobLost(len(lost))
	for _, key := range lost {
		w.logger.Error(cause, "in-flight job lost with its connection", "job_id", key)
		if w.emitError(&ConnectionError{JobID: key, Generation: generation, Err: cause}) {
			w.quitting = true
		}
	}

	if w.quitting {
		w.logger.Info("quit already requested, not reconnecting")
		w.close()
		return nil
	}

	policy := w.opts.Reconnect.newBackOff()
	lastErr := cause
	attempts := 0
	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		attempts++
		w.metrics.ReconnectAttempt()
		w.logger.Info("reconnecting to coordinator", "attempt", attempts, "max_attempts", w.opts.Reconnect.MaxAttempts, "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.quit:
			timer.Stop()
			w.quitting = true
			w.logger.Info("quit requested while reconnecting")
			w.close()
			return nil
		}

		conn, err := w.connect(context.Background())
		if err != nil {
			lastErr = err
			w.logger.Error(err, "reconnect attempt failed", "attempt", attempts)
			continue
		}
		if err := w.machine.Transition(StateReady); err != nil {
			w.logger.Error(err, "enter ready")
		}
		w.logger.Info("reconnected to coordinator", "attempt", attempts)
		return conn
	}

	terminal := &TerminalStreamError{Attempts: attempts, Err: lastErr}
	w.logger.Error(terminal, "giving up on coordinator")
	w.out <- StreamItem{Err: terminal}
	w.close()
	return nil
}

func (w *workerSource) close() {
	if err := w.machine.Transition(StateClosed); err != nil {
		w.logger.Error(err, "close worker")
	}
}

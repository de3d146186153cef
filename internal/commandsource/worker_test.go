package commandsource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthiebaud/hacklily/internal/distributed"
	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/render"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	inbound   chan distributed.Message
	sent      chan distributed.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan distributed.Message, 16),
		sent:    make(chan distributed.Message, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, msg distributed.Message) error {
	select {
	case <-c.closed:
		return distributed.ErrConnClosed
	default:
	}
	c.sent <- msg
	return nil
}

func (c *fakeConn) Receive() (distributed.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return distributed.Message{}, distributed.ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the coordinator link going away.
func (c *fakeConn) drop() {
	_ = c.Close()
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	results []dialResult
	conns   chan *fakeConn
}

func newFakeTransport(results ...dialResult) *fakeTransport {
	return &fakeTransport{results: results, conns: make(chan *fakeConn, len(results)+1)}
}

func (t *fakeTransport) Dial(context.Context) (distributed.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.results) == 0 {
		return nil, errors.New("coordinator unreachable")
	}
	next := t.results[0]
	t.results = t.results[1:]
	if next.err != nil {
		return nil, next.err
	}
	t.conns <- next.conn
	return next.conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testWorkerOptions(transport distributed.Transport) WorkerOptions {
	return WorkerOptions{
		Transport: transport,
		WorkerID:  "w-test",
		Capacity:  Capacity{Stable: 2, Unstable: 1},
		Reconnect: ReconnectPolicy{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
		DrainGrace:        time.Second,
		HeartbeatInterval: time.Hour,
		Logger:            logr.Discard(),
		Metrics:           metrics.New(nil),
	}
}

func renderJob(t *testing.T, id string) distributed.Message {
	t.Helper()
	msg, err := distributed.NewRequest(distributed.StringID(id), distributed.MethodRender, render.Request{
		Backend: render.BackendSVG,
		Src:     "\\relative c' { c4 d e f }",
	})
	require.NoError(t, err)
	return msg
}

// nextSent returns the next message the worker sent with the given method,
// or the next reply when method is empty. Heartbeats are skipped.
func nextSent(t *testing.T, conn *fakeConn, method string) distributed.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-conn.sent:
			if msg.Method == distributed.MethodPing && method != distributed.MethodPing {
				continue
			}
			if msg.Method != method {
				t.Fatalf("expected %q message, got %#v", method, msg)
			}
			return msg
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", method)
			return distributed.Message{}
		}
	}
}

func nextItem(t *testing.T, stream RequestStream) StreamItem {
	t.Helper()
	select {
	case item, ok := <-stream:
		require.True(t, ok, "stream closed while an item was expected")
		return item
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a stream item")
		return StreamItem{}
	}
}

func requireClosed(t *testing.T, stream RequestStream, within time.Duration) {
	t.Helper()
	select {
	case item, ok := <-stream:
		require.False(t, ok, "expected stream to end, got item %#v", item)
	case <-time.After(within):
		t.Fatalf("stream did not end within %s", within)
	}
}

func requireOpen(t *testing.T, stream RequestStream, for_ time.Duration) {
	t.Helper()
	select {
	case item, ok := <-stream:
		t.Fatalf("expected stream to stay open and quiet, got item=%#v open=%v", item, ok)
	case <-time.After(for_):
	}
}

func TestWorkerAdvertisesTotalCapacityOnConnect(t *testing.T) {
	conn := newFakeConn()
	stream, quit, err := NewWorker(context.Background(), testWorkerOptions(newFakeTransport(dialResult{conn: conn})))
	require.NoError(t, err)

	advert := nextSent(t, conn, distributed.MethodAdvertiseCapacity)
	assert.Equal(t, "null", string(advert.ID))
	wire, err := json.Marshal(advert)
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"id":null`)
	var params distributed.CapacityParams
	require.NoError(t, json.Unmarshal(advert.Params, &params))
	assert.Equal(t, 3, params.MaxJobs)
	assert.Equal(t, "w-test", params.WorkerID)

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerFailsConstructionWhenFirstDialFails(t *testing.T) {
	transport := newFakeTransport(dialResult{err: errors.New("connection refused")})
	recorder := &stateRecorder{}
	opts := testWorkerOptions(transport)
	opts.OnStateChange = recorder.record

	stream, quit, err := NewWorker(context.Background(), opts)
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.Nil(t, quit)
	var construction *ConstructionError
	require.ErrorAs(t, err, &construction)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, transport.dialCount(), "first connection is never retried")
	assert.Equal(t, []State{StateClosed}, recorder.snapshot())
}

func TestWorkerRejectsInvalidCapacity(t *testing.T) {
	cases := map[string]Capacity{
		"empty":           {},
		"negative":        {Stable: 3, Unstable: -1},
		"single slot":     {Stable: 1},
		"single unstable": {Unstable: 1},
	}
	for name, capacity := range cases {
		t.Run(name, func(t *testing.T) {
			transport := newFakeTransport(dialResult{conn: newFakeConn()})
			opts := testWorkerOptions(transport)
			opts.Capacity = capacity
			_, _, err := NewWorker(context.Background(), opts)
			var construction *ConstructionError
			require.ErrorAs(t, err, &construction)
			assert.Zero(t, transport.dialCount(), "a rejected capacity is never advertised")
		})
	}
}

func TestWorkerForwardsResponseTaggedWithJobID(t *testing.T) {
	conn := newFakeConn()
	opts := testWorkerOptions(newFakeTransport(dialResult{conn: conn}))
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.inbound <- renderJob(t, "job-1")
	item := nextItem(t, stream)
	require.NoError(t, item.Err)
	assert.Equal(t, "job-1", item.Request.ID)
	assert.Equal(t, render.VersionStable, item.Request.Version)

	require.NoError(t, item.Respond(render.Response{Files: []string{"<svg/>"}, Logs: "ok"}))
	reply := nextSent(t, conn, "")
	assert.Equal(t, "job-1", reply.JobID())
	var resp render.Response
	require.NoError(t, json.Unmarshal(reply.Result, &resp))
	assert.Equal(t, []string{"<svg/>"}, resp.Files)

	assert.ErrorIs(t, item.Respond(render.Response{}), ErrCallbackReused)
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.ResponsesSent.WithLabelValues(workerSourceName)))

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerRejectsInvalidJobAndKeepsStreaming(t *testing.T) {
	conn := newFakeConn()
	stream, quit, err := NewWorker(context.Background(), testWorkerOptions(newFakeTransport(dialResult{conn: conn})))
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	bad, err := distributed.NewRequest(distributed.StringID("bad-1"), distributed.MethodRender, map[string]string{"backend": "midi", "src": ""})
	require.NoError(t, err)
	conn.inbound <- bad

	item := nextItem(t, stream)
	var recordErr *RecordError
	require.ErrorAs(t, item.Err, &recordErr)
	assert.Equal(t, "bad-1", recordErr.ID)
	reply := nextSent(t, conn, "")
	require.NotNil(t, reply.Error)
	assert.Equal(t, distributed.ErrorCodeInvalidRequest, reply.Error.Code)
	assert.Equal(t, "bad-1", reply.JobID())

	conn.inbound <- renderJob(t, "job-2")
	item = nextItem(t, stream)
	require.NoError(t, item.Err)
	assert.Equal(t, "job-2", item.Request.ID)
	require.NoError(t, item.Respond(render.Response{}))
	nextSent(t, conn, "")

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerQuitWhileIdleEndsStreamWithinGraceWithoutDrops(t *testing.T) {
	conn := newFakeConn()
	recorder := &stateRecorder{}
	opts := testWorkerOptions(newFakeTransport(dialResult{conn: conn}))
	opts.DrainGrace = 500 * time.Millisecond
	opts.OnStateChange = recorder.record
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	started := time.Now()
	quit <- QuitSignal{}
	nextSent(t, conn, distributed.MethodGoodbye)
	requireClosed(t, stream, opts.DrainGrace)

	assert.Less(t, time.Since(started), opts.DrainGrace)
	assert.Equal(t, 0.0, testutil.ToFloat64(opts.Metrics.JobsDropped))
	assert.Equal(t, []State{StateReady, StateDraining, StateClosed}, recorder.snapshot())
}

func TestWorkerDrainsInFlightJobBeforeClosing(t *testing.T) {
	conn := newFakeConn()
	stream, quit, err := NewWorker(context.Background(), testWorkerOptions(newFakeTransport(dialResult{conn: conn})))
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.inbound <- renderJob(t, "job-1")
	item := nextItem(t, stream)
	require.NoError(t, item.Err)

	quit <- QuitSignal{}
	nextSent(t, conn, distributed.MethodGoodbye)

	conn.inbound <- renderJob(t, "job-late")
	rejected := nextSent(t, conn, "")
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "job-late", rejected.JobID())
	assert.Equal(t, "worker draining", rejected.Error.Message)

	requireOpen(t, stream, 50*time.Millisecond)

	require.NoError(t, item.Respond(render.Response{Files: []string{"<svg/>"}}))
	reply := nextSent(t, conn, "")
	assert.Equal(t, "job-1", reply.JobID())
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerDropsJobsStillPendingAtDrainDeadline(t *testing.T) {
	conn := newFakeConn()
	opts := testWorkerOptions(newFakeTransport(dialResult{conn: conn}))
	opts.DrainGrace = 50 * time.Millisecond
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.inbound <- renderJob(t, "job-slow")
	item := nextItem(t, stream)
	require.NoError(t, item.Err)

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.JobsDropped))
	assert.ErrorIs(t, item.Respond(render.Response{}), ErrJobLost)
}

func TestWorkerQuitWhileConsumerBusyHandsJobBack(t *testing.T) {
	conn := newFakeConn()
	stream, quit, err := NewWorker(context.Background(), testWorkerOptions(newFakeTransport(dialResult{conn: conn})))
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.inbound <- renderJob(t, "job-1")
	time.Sleep(50 * time.Millisecond)
	quit <- QuitSignal{}

	reply := nextSent(t, conn, "")
	require.NotNil(t, reply.Error)
	assert.Equal(t, "job-1", reply.JobID())
	assert.Equal(t, "worker draining", reply.Error.Message)
	nextSent(t, conn, distributed.MethodGoodbye)
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerReconnectsAndResumesAfterDrop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	transport := newFakeTransport(dialResult{conn: first}, dialResult{conn: second})
	recorder := &stateRecorder{}
	opts := testWorkerOptions(transport)
	opts.OnStateChange = recorder.record
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, first, distributed.MethodAdvertiseCapacity)

	first.inbound <- renderJob(t, "job-1")
	inFlight := nextItem(t, stream)
	require.NoError(t, inFlight.Err)

	first.drop()

	lost := nextItem(t, stream)
	var connErr *ConnectionError
	require.ErrorAs(t, lost.Err, &connErr)
	assert.Equal(t, "job-1", connErr.JobID)
	assert.ErrorIs(t, inFlight.Respond(render.Response{}), ErrJobLost)

	nextSent(t, second, distributed.MethodAdvertiseCapacity)
	second.inbound <- renderJob(t, "job-2")
	resumed := nextItem(t, stream)
	require.NoError(t, resumed.Err)
	assert.Equal(t, "job-2", resumed.Request.ID)
	require.NoError(t, resumed.Respond(render.Response{}))
	assert.Equal(t, "job-2", nextSent(t, second, "").JobID())

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
	assert.Equal(t, 2, transport.dialCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.JobsLost))
	assert.Equal(t,
		[]State{StateReady, StateReconnecting, StateReady, StateDraining, StateClosed},
		recorder.snapshot())
}

func TestWorkerEndsWithTerminalErrorAfterRetryBudget(t *testing.T) {
	conn := newFakeConn()
	transport := newFakeTransport(dialResult{conn: conn})
	opts := testWorkerOptions(transport)
	opts.Reconnect.MaxAttempts = 2
	stream, _, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.drop()

	item := nextItem(t, stream)
	var terminal *TerminalStreamError
	require.ErrorAs(t, item.Err, &terminal)
	assert.Equal(t, 2, terminal.Attempts)
	assert.True(t, IsFatal(item.Err))
	requireClosed(t, stream, waitTimeout)
	assert.Equal(t, 3, transport.dialCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(opts.Metrics.ReconnectAttempts))
}

func TestWorkerQuitDuringBackoffClosesWithoutTerminalError(t *testing.T) {
	conn := newFakeConn()
	opts := testWorkerOptions(newFakeTransport(dialResult{conn: conn}))
	opts.Reconnect = ReconnectPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	conn.drop()
	time.Sleep(20 * time.Millisecond)
	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerTreatsCoordinatorGoodbyeAsConnectionLoss(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	stream, quit, err := NewWorker(context.Background(), testWorkerOptions(newFakeTransport(dialResult{conn: first}, dialResult{conn: second})))
	require.NoError(t, err)
	nextSent(t, first, distributed.MethodAdvertiseCapacity)

	first.inbound <- distributed.NewGoodbye()
	nextSent(t, second, distributed.MethodAdvertiseCapacity)

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
}

func TestWorkerHeartbeatsAndAnswersPings(t *testing.T) {
	conn := newFakeConn()
	opts := testWorkerOptions(newFakeTransport(dialResult{conn: conn}))
	opts.HeartbeatInterval = 10 * time.Millisecond
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)
	nextSent(t, conn, distributed.MethodAdvertiseCapacity)

	ping := nextSent(t, conn, distributed.MethodPing)
	assert.NotEmpty(t, ping.JobID())

	conn.inbound <- distributed.NewPing("coordinator-1")
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-conn.sent:
			if msg.IsRequest() {
				continue
			}
			assert.Equal(t, "coordinator-1", msg.JobID())
			assert.JSONEq(t, `"pong"`, string(msg.Result))
			quit <- QuitSignal{}
			requireClosed(t, stream, waitTimeout)
			return
		case <-deadline:
			t.Fatal("no pong reply")
		}
	}
}

func TestWorkerOverBusTransportClosesBusOnShutdown(t *testing.T) {
	bus := distributed.NewMemoryBus()
	subjects := distributed.DefaultWorkerSubjects("test", "w-bus")
	coordinator, unsubscribe, err := bus.Subscribe(context.Background(), subjects.Outbound)
	require.NoError(t, err)
	defer unsubscribe()

	opts := testWorkerOptions(distributed.NewBusTransport(bus, subjects))
	opts.WorkerID = "w-bus"
	opts.Closer = bus
	stream, quit, err := NewWorker(context.Background(), opts)
	require.NoError(t, err)

	advert := <-coordinator
	assert.Equal(t, distributed.MethodAdvertiseCapacity, advert.Method)

	require.NoError(t, bus.Publish(context.Background(), subjects.Inbound, renderJob(t, "bus-1")))
	item := nextItem(t, stream)
	require.NoError(t, item.Err)
	require.NoError(t, item.Respond(render.Response{Files: []string{"%PDF"}}))
	reply := <-coordinator
	assert.Equal(t, "bus-1", reply.JobID())

	quit <- QuitSignal{}
	requireClosed(t, stream, waitTimeout)
	assert.Error(t, bus.Publish(context.Background(), subjects.Inbound, renderJob(t, "bus-2")), "bus should be closed with the worker")
}

package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrConnClosed = errors.New("coordinator connection closed")

// Conn is one live session with the coordinator. Send is safe for concurrent
// use. Receive is called from a single goroutine and is unblocked by Close.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Receive() (Message, error)
	Close() error
}

// Transport opens coordinator sessions. Each Dial yields a fresh Conn.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type BusTransport struct {
	Bus      Bus
	Subjects WorkerSubjects
}

func NewBusTransport(bus Bus, subjects WorkerSubjects) *BusTransport {
	return &BusTransport{Bus: bus, Subjects: subjects}
}

func (t *BusTransport) Dial(ctx context.Context) (Conn, error) {
	if t == nil || t.Bus == nil {
		return nil, fmt.Errorf("bus transport has no bus")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	inbound, unsubscribe, err := t.Bus.Subscribe(subCtx, t.Subjects.Inbound)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", t.Subjects.Inbound, err)
	}
	return &busConn{
		bus:         t.Bus,
		outbound:    t.Subjects.Outbound,
		inbound:     inbound,
		unsubscribe: unsubscribe,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}, nil
}

type busConn struct {
	bus         Bus
	outbound    string
	inbound     <-chan Message
	unsubscribe func()
	cancel      context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}
}

func (c *busConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	return c.bus.Publish(ctx, c.outbound, msg)
}

func (c *busConn) Receive() (Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return Message{}, ErrConnClosed
		}
		return msg, nil
	case <-c.closed:
		return Message{}, ErrConnClosed
	}
}

func (c *busConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.unsubscribe()
		c.cancel()
	})
	return nil
}

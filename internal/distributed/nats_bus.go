package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// subscribeConfirmTimeout bounds the round trip that confirms a NATS
// subscription when the caller's context carries no deadline.
const subscribeConfirmTimeout = 2 * time.Second

// natsConn is the slice of *nats.Conn the bus uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	ChanSubscribe(subject string, ch chan *nats.Msg) (natsSubscription, error)
	FlushTimeout(timeout time.Duration) error
	Close()
}

type natsSubscription interface {
	Unsubscribe() error
}

// NATSBus carries coordinator traffic over NATS subjects. Reconnecting the
// client is left to nats.go. Jobs that arrive while the process falls behind
// are reported by nats.go as a slow consumer and never reach the worker.
type NATSBus struct {
	conn natsConn
}

func NewNATSBus(address string) (*NATSBus, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("hacklily-renderer"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", address, err)
	}
	return &NATSBus{conn: natsClient{conn}}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", subject, err)
	}
	if err := b.conn.Publish(subject, frame); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe returns once the server has acknowledged the subscription, so a
// capacity advert published afterwards cannot race ahead of it.
func (b *NATSBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, errors.New("nats bus is not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	frames := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := b.conn.ChanSubscribe(subject, frames)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := b.conn.FlushTimeout(confirmTimeout(ctx)); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("confirm subscription to %s: %w", subject, err)
	}
	out, cancel := startBrokerSubscription[*nats.Msg](ctx, frames, func(m *nats.Msg) []byte { return m.Data }, sub.Unsubscribe)
	return out, cancel, nil
}

func (b *NATSBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	b.conn.Close()
	return nil
}

func confirmTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return subscribeConfirmTimeout
}

type natsClient struct {
	*nats.Conn
}

func (c natsClient) ChanSubscribe(subject string, ch chan *nats.Msg) (natsSubscription, error) {
	return c.Conn.ChanSubscribe(subject, ch)
}

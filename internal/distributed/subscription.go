package distributed

import (
	"context"
	"sync"
)

// subscriptionBuffer sizes both the broker-side channel and the decoded
// Message channel handed to the worker.
const subscriptionBuffer = 64

// brokerSubscription turns a broker's raw frame channel into decoded
// Messages. Frames that do not decode are skipped. A decoded Message is
// never dropped: a render job lost here would never be answered, so a slow
// reader holds the broker channel back instead.
type brokerSubscription[F any] struct {
	frames  <-chan F
	payload func(F) []byte
	release func() error

	out  chan Message
	stop chan struct{}
	once sync.Once
}

func startBrokerSubscription[F any](ctx context.Context, frames <-chan F, payload func(F) []byte, release func() error) (<-chan Message, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &brokerSubscription[F]{
		frames:  frames,
		payload: payload,
		release: release,
		out:     make(chan Message, subscriptionBuffer),
		stop:    make(chan struct{}),
	}
	go s.run(ctx)
	return s.out, s.cancel
}

// cancel releases the broker subscription. The output channel closes once
// the pump notices.
func (s *brokerSubscription[F]) cancel() {
	s.once.Do(func() {
		close(s.stop)
		if s.release != nil {
			_ = s.release()
		}
	})
}

func (s *brokerSubscription[F]) run(ctx context.Context) {
	defer close(s.out)
	defer s.cancel()
	for {
		var frame F
		var ok bool
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case frame, ok = <-s.frames:
			if !ok {
				return
			}
		}
		msg, err := ParseMessage(s.payload(frame))
		if err != nil {
			continue
		}
		select {
		case s.out <- msg:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

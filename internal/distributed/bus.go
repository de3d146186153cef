package distributed

import (
	"context"
	"fmt"
	"sync"
)

// Bus is a subject based publish/subscribe channel for coordinator messages.
type Bus interface {
	Publish(ctx context.Context, subject string, msg Message) error
	Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error)
	Close() error
}

type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan Message
	closed    bool
	closeOnce sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string][]chan Message),
	}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for _, ch := range b.channels[subject] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	ch := make(chan Message, 32)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subscribers := b.channels[subject]
			for i, candidate := range subscribers {
				if candidate == ch {
					b.channels[subject] = append(subscribers[:i:i], subscribers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}

package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// redisConn is the slice of *redis.Client the bus uses.
type redisConn interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus carries coordinator traffic over Redis pub/sub channels named
// like the NATS subjects.
type RedisBus struct {
	client redisConn
}

func NewRedisBus(address string) (*RedisBus, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis address %s: %w", address, err)
	}
	return &RedisBus{client: redisClient{redis.NewClient(options)}}, nil
}

// Ping checks the server is reachable. go-redis dials lazily, so without it
// a bad address would only show up on the first publish.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("redis bus is not connected")
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", subject, err)
	}
	if err := b.client.Publish(ctx, subject, frame).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe waits for the server's subscribe confirmation before returning.
func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, errors.New("redis bus is not connected")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pubSub := b.client.Subscribe(ctx, subject)
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return nil, nil, fmt.Errorf("confirm subscription to %s: %w", subject, err)
	}
	frames := pubSub.Channel(redis.WithChannelSize(subscriptionBuffer))
	out, cancel := startBrokerSubscription(ctx, frames, func(m *redis.Message) []byte { return []byte(m.Payload) }, pubSub.Close)
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClient struct {
	*redis.Client
}

func (c redisClient) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return c.Client.Subscribe(ctx, channels...)
}

package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on a go-redis client.
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker wraps an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends one message on a channel.
func (b *RedisBroker) Publish(ctx context.Context, channel, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan string
}

func (s *redisSubscription) Messages() <-chan string { return s.messages }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

// Subscribe opens a subscription and confirms it before returning, so a
// resume never silently listens on a dead connection.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", channel)
	}

	messages := make(chan string)
	go func() {
		defer close(messages)
		for msg := range pubsub.Channel() {
			select {
			case messages <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, messages: messages}, nil
}

// Get reads a key; the second return reports existence.
func (b *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a key with a TTL.
func (b *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key.
func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

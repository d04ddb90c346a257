package backplane

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"marketchat/internal/observability"
)

const defaultChannel = "marketchat:events"

// RedisBus fans envelopes out across instances via Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	cancel  context.CancelFunc
}

// NewRedisBus verifies connectivity and constructs a RedisBus.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisBus{client: client, channel: defaultChannel}, nil
}

// Client exposes the underlying Redis client for shared use (presence TTL keys).
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// Start subscribes to the event channel and delivers every received envelope
// through the handler until Close.
func (b *RedisBus) Start(handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	sub := b.client.Subscribe(ctx, b.channel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("backplane decode failed: %v", err)
					continue
				}
				handler(env)
			}
		}
	}()
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		observability.IncBackplanePublishError()
		log.Printf("backplane publish failed: %v", err)
		return err
	}
	return nil
}

func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}

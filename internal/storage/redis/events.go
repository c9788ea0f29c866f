package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/goodtune/playtime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// eventBus publishes session changes over Redis pub/sub so every API
// replica sees them
type eventBus struct {
	client *redis.Client
}

func (b *eventBus) Publish(ctx context.Context, ev storage.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, eventChannel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *eventBus) Subscribe(ctx context.Context, sessionID string) (<-chan storage.Event, func(), error) {
	var pubsub *redis.PubSub
	if sessionID == "" {
		pubsub = b.client.PSubscribe(ctx, eventChannelBase+"*")
	} else {
		pubsub = b.client.Subscribe(ctx, eventChannel(sessionID))
	}

	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan storage.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev storage.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	return out, cancel, nil
}

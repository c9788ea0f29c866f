package storage

import (
	"context"
	"sync"
)

// LocalBus is an in-process EventBus for single-node backends. Slow
// subscribers miss events rather than block publishers.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]localSub
}

type localSub struct {
	sessionID string
	ch        chan Event
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]localSub)}
}

// Publish delivers ev to every matching subscriber.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber.
func (b *LocalBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = localSub{sessionID: sessionID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
			close(stopped)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()

	return ch, cancel, nil
}

// Package eventbus fans activity events out to an arbitrary number of
// in-process subscribers.
package eventbus

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/guildwatch/guildwatch/internal/event"
)

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *event.Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *event.Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *event.Event) {
	id := ulid.Make().String()
	ch := make(chan *event.Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber. Delivery is best-effort: a
// subscriber with a full buffer misses the event rather than blocking the
// publisher.
func (b *Bus) Publish(ev *event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

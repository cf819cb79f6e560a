package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// Delivery is non-blocking: a subscriber that falls behind loses events
// rather than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to every subscriber whose prefix matches event.Kind.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscriber, drop.
			}
		}
	}
}

// Subscribe returns a channel receiving events whose Kind starts with prefix,
// plus an unsubscribe function. bufSize controls the channel buffer.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

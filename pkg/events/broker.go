package events

import (
	"sync"

	"workdeck/pkg/logx"
)

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// falls this far behind starts losing events; current state is always
// recoverable by re-querying the API.
const subscriberBuffer = 64

// Broker fans events out to subscribers. Publishing never blocks on a slow
// subscriber.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *logx.Logger
	closed bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[int]chan Event),
		logger: logx.NewLogger("events"),
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel or broker shutdown.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. Full subscriber buffers
// drop the event with a warning rather than stalling the publisher.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping %s event for slow subscriber %d", event.Kind, id)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

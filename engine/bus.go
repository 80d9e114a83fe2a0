package engine

import (
	"sync"
	"time"

	"github.com/chorushq/chorus-core/logger"
)

const (
	// EventBuffer is each subscriber's channel capacity. Sized so a UI
	// consumer that falls briefly behind during a busy stream does not
	// lose its subscription.
	EventBuffer = 256

	// EventSendTimeout bounds how long a publish waits on a full
	// subscriber channel before dropping that subscriber.
	EventSendTimeout = 5 * time.Second
)

// Bus fans engine events out to subscribers. Publishes are serialized, so
// every subscriber observes events in publish order; a subscriber that
// stays full past EventSendTimeout is dropped (its channel closed) rather
// than stalling the engine or reordering events for everyone else.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. Cancel is idempotent and closes the channel; a closed
// channel is also how a dropped subscriber learns it fell behind.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, EventBuffer)
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

// Publish delivers the event to every subscriber. A full subscriber gets
// EventSendTimeout to drain; if it is still full, it is removed and its
// channel closed.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			timer := time.NewTimer(EventSendTimeout)
			select {
			case ch <- event:
				timer.Stop()
			case <-timer.C:
				logger.WithComponent("engine").Warn("dropping slow event subscriber",
					"kind", event.Kind, "buffered", len(ch))
				delete(b.subs, id)
				close(ch)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects further publishes. Idempotent.
func (b *Bus) Close() {
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

package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Every core component publishes its state changes here; the UI layer and
// sibling components observe without holding references to each other.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a live registration on the bus. Events arrive on C.
// Close deregisters it and is safe to call more than once.
type Subscription struct {
	C chan Event

	bus       *Bus
	id        int
	namespace string
	once      sync.Once
}

// Close removes the subscription from the bus. The channel itself is left
// open so a concurrent Publish can never send on a closed channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. Delivery is non-blocking: a subscriber with a full buffer
// misses the event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.C <- evt:
			default:
				// Drop event if subscriber is full.
			}
		}
	}
}

// Subscribe registers interest in all events whose kind starts with the given
// namespace prefix. bufSize controls the channel buffer.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		C:         make(chan Event, bufSize),
		bus:       b,
		id:        b.next,
		namespace: namespace,
	}
	b.next++
	b.subs[sub.id] = sub
	return sub
}

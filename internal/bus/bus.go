package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It is the fanout backbone between the transport, the stores and the UI
// bridge: publishers never know who is listening, and a slow subscriber
// cannot stall delivery (events are dropped once its buffer is full).
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	onDrop func(kind string)
}

type subscription struct {
	namespace string
	ch        chan Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHandler installs a callback invoked with the event kind whenever
// an event is dropped because a subscriber buffer is full.
func WithDropHandler(fn func(kind string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[int]*subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.onDrop != nil {
				b.onDrop(evt.Kind)
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

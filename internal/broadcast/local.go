package broadcast

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Messages are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_broadcast_events_total",
			Help: "Total number of events published on the broadcast channel.",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderoom_broadcast_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
}

// Compile-time interface satisfaction check.
var _ Bus = (*LocalBus)(nil)

// LocalBus is an in-process Bus. It is safe for concurrent use.
//
// Topics exist only while they have subscribers; publishing to a topic with
// no subscribers is a no-op.
type LocalBus struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	subs   map[int]chan Message
	nextID int
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a subscriber on topic. If the bus is already closed the
// returned channel is closed immediately.
func (b *LocalBus) Subscribe(name string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Message)}
		b.topics[name] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := t.subs[id]; !ok {
				return
			}
			delete(t.subs, id)
			close(ch)
			if len(t.subs) == 0 && b.topics[name] == t {
				delete(b.topics, name)
			}
		})
	}
}

// Publish sends msg to all subscribers of msg.Topic. Messages are dropped for
// subscribers whose buffers are full.
func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventsPublished.WithLabelValues(msg.Type).Inc()

	t, ok := b.topics[msg.Topic]
	if !ok || b.closed {
		return nil
	}

	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			eventsDropped.Inc()
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers on topic.
func (b *LocalBus) SubscriberCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return 0
	}
	return len(t.subs)
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and Publish becomes a no-op.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for name, t := range b.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, name)
	}
	return nil
}

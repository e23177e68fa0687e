package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
)

// Bus is the EventBus this supervisor depends on: subscribe per topic,
// publish a tagged Event, never let a failing handler reach the publisher.
// Delivery is synchronous, so handlers are expected to return promptly.
type Bus interface {
	Subscribe(topic Topic, handler Handler) Unsubscribe
	UnsubscribeAll(topic Topic)
	Publish(event Event)
}

// subscriber pairs a handler with a monotonic id so Unsubscribe can find
// and remove exactly the one it closed over.
type subscriber struct {
	id      uint64
	handler Handler
}

// MemoryBus is the default, in-process EventBus implementation. Delivery to
// subscribers of one topic is synchronous and strictly in subscription
// order, so one process's transitions are observed in the order they
// occurred. A panicking handler is recovered and logged; it does not
// affect sibling handlers or future publishes.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscriber
	nextID uint64
	logger *logger.Logger
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[Topic][]subscriber),
		logger: log.WithFields(zap.String("component", "event_bus")),
	}
}

// Subscribe registers handler for topic and returns a function that removes
// just this subscription.
func (b *MemoryBus) Subscribe(topic Topic, handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// UnsubscribeAll removes every handler registered for topic, or every
// handler on every topic when topic is empty.
func (b *MemoryBus) UnsubscribeAll(topic Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.subs = make(map[Topic][]subscriber)
		return
	}
	delete(b.subs, topic)
}

// Publish delivers event to every subscriber of event.Topic, in the order
// they subscribed. Publish never blocks on a handler beyond the handler's
// own synchronous execution, and a handler that panics is recovered and
// logged rather than propagated to the publisher or to later handlers.
func (b *MemoryBus) Publish(event Event) {
	b.mu.RLock()
	// Copy the subscriber slice under the lock; subscribers themselves are
	// value types so this snapshot is safe to range over unlocked.
	subs := append([]subscriber(nil), b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s.handler, event)
	}
}

func (b *MemoryBus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", string(e.Topic)),
				zap.Any("recovered", r))
		}
	}()
	h(e)
}

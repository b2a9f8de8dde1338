// Package events provides typed fan-out of scheduler events to observers.
//
// Delivery is synchronous on the emitting goroutine and best-effort: an
// observer's panic is swallowed so it can never affect the emitter, there
// is no backpressure and no replay. Events emitted from a single goroutine
// reach each observer in emit order.
package events

import (
	"sync"
	"time"
)

// Handler receives events from the bus.
type Handler func(Event)

// Bus distributes events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
// Handlers are invoked in subscription order.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit delivers the event to every subscriber, synchronously.
// A panicking subscriber is isolated; remaining subscribers still run.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		_ = recover()
	}()
	h(e)
}

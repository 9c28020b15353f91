// Package eventbus implements a typed, in-process pub/sub bus: per-type and
// wildcard listeners, dispatched in registration order, with every handler
// error isolated so one bad listener never blocks the rest.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentmesh/coordinator/internal/obslog"
)

var log = obslog.For("eventbus")

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is the envelope dispatched to handlers. Data carries the
// ConversationEvent payload keys described in SPEC_FULL.md §3/§6.
type Event struct {
	Type  string
	Agent string
	TsMs  int64
	Data  map[string]any
}

// Handler processes one event. Returning an error only causes the error to
// be logged; it never aborts dispatch to other handlers.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a single-process pub/sub hub. The zero value is not usable; call
// New.
type Bus struct {
	mu        sync.RWMutex
	byType    map[string][]subscription
	nextID    uint64
	listeners int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{byType: make(map[string][]subscription)}
}

// Subscribe registers handler for eventType ("*" for all types) and returns
// an unsubscribe function. Handlers for the same type fire in registration
// order; wildcard handlers fire after all type-specific handlers for an
// event's concrete type.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})
	b.listeners++
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byType[eventType]
		for i, s := range subs {
			if s.id == id {
				b.byType[eventType] = append(subs[:i:i], subs[i+1:]...)
				b.listeners--
				break
			}
		}
	}
}

// Emit dispatches event to every type-specific listener, then every wildcard
// listener, in registration order. Handler panics and errors are recovered,
// logged, and otherwise ignored.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	typed := append([]subscription(nil), b.byType[event.Type]...)
	wild := append([]subscription(nil), b.byType[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range typed {
		b.dispatch(ctx, s, event)
	}
	for _, s := range wild {
		b.dispatch(ctx, s, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", "type", event.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(ctx, event); err != nil {
		log.Error("event handler returned error", "type", event.Type, "error", err)
	}
}

// ListenerCount returns the number of currently registered handlers, for
// diagnostics/tests.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners
}

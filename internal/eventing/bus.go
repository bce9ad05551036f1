package eventing

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// EventHandler processes one published event.
type EventHandler func(ctx context.Context, event any) error

// EventBus is the in-process publish/subscribe surface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler EventHandler)
}

// EventTypeOf returns the registry name for an event value.
func EventTypeOf(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// InMemoryBus is a synchronous in-process bus. Handlers run on the
// publisher's goroutine; the first handler error aborts delivery.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: map[string][]EventHandler{}}
}

// Subscribe registers a handler for an event type.
func (b *InMemoryBus) Subscribe(eventType string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to every subscribed handler.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return errors.New("eventing: nil event")
	}
	eventType := EventTypeOf(event)
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

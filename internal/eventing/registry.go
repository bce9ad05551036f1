package eventing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Registry maps envelope event types back to Go payload types so buffered
// events can be decoded for dispatch.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]reflect.Type{}}
}

// Register records the payload type of a sample event value.
func (r *Registry) Register(sample any) {
	if r == nil || sample == nil {
		return
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	r.types[t.String()] = t
	r.mu.Unlock()
}

// DecodePayload unmarshals the envelope payload into its registered type.
func (r *Registry) DecodePayload(env Envelope) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("eventing: nil registry")
	}
	r.mu.RLock()
	t, ok := r.types[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("eventing: unregistered event type %q", env.EventType)
	}
	value := reflect.New(t).Interface()
	if err := json.Unmarshal(env.Payload, value); err != nil {
		return nil, err
	}
	return reflect.ValueOf(value).Elem().Interface(), nil
}

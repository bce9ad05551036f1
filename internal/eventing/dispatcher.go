package eventing

import (
	"context"
)

// Dispatcher delivers buffered outbox events to the in-process bus.
type Dispatcher struct {
	bus      EventBus
	outbox   OutboxStore
	registry *Registry
}

// OutboxStore provides access to buffered outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int, error)
}

// OutboxRecord is one buffered entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry) *Dispatcher {
	return &Dispatcher{bus: bus, outbox: outbox, registry: registry}
}

// Dispatch pulls pending records and delivers them. Failed deliveries stay
// buffered for the next pass.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) error {
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		return err
	}

	for _, record := range records {
		env := record.Envelope
		payload, err := d.registry.DecodePayload(env)
		if err != nil {
			_ = d.outbox.MarkFailed(ctx, record.ID)
			continue
		}

		ctxWithEnv := WithEnvelope(ctx, env)
		if err := d.bus.Publish(ctxWithEnv, payload); err != nil {
			_ = d.outbox.MarkFailed(ctx, record.ID)
			continue
		}

		_ = d.outbox.MarkSent(ctx, record.ID)
	}
	return nil
}

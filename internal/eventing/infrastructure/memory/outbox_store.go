package memory

import (
	"context"
	"sync"

	"sitewatch/internal/eventing"
)

type record struct {
	rec    eventing.OutboxRecord
	status string
}

// OutboxStore is an in-memory outbox for tests and single-process demos.
type OutboxStore struct {
	mu      sync.Mutex
	order   []string
	records map[string]*record
}

// NewOutboxStore constructs an empty store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{records: map[string]*record{}}
}

// Insert buffers an envelope.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := eventing.NewEventID()
	s.order = append(s.order, id)
	s.records[id] = &record{rec: eventing.OutboxRecord{ID: id, Envelope: env}, status: "pending"}
	return id, nil
}

// ListPending returns undelivered records in insertion order.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []eventing.OutboxRecord
	for _, id := range s.order {
		r := s.records[id]
		if r.status == "sent" {
			continue
		}
		out = append(out, r.rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkSent marks a record as delivered.
func (s *OutboxStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.status = "sent"
	}
	return nil
}

// MarkFailed marks a record as failed; it stays queued for retry.
func (s *OutboxStore) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.status = "failed"
	}
	return nil
}

// PendingCount reports how many records still await delivery.
func (s *OutboxStore) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.status != "sent" {
			n++
		}
	}
	return n, nil
}

// ProcessedStore is an in-memory idempotency store.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewProcessedStore constructs an empty store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: map[string]bool{}}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *ProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[consumerName+"/"+eventID], nil
}

// MarkProcessed records the event as handled.
func (s *ProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[consumerName+"/"+eventID] = true
	return nil
}

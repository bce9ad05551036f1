package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/eventing"
)

const defaultOutboxTable = "event_outbox"

// OutboxStore is a Postgres implementation for buffered outbox records.
type OutboxStore struct {
	db    *sql.DB
	table string
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Insert buffers an envelope.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outboxID := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	event_id,
	event_type,
	occurred_at,
	correlation_id,
	sensor_id,
	schema_version,
	payload,
	status,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0
)
ON CONFLICT (id)
DO NOTHING`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		outboxID,
		env.EventID,
		env.EventType,
		env.OccurredAt.UTC(),
		env.CorrelationID,
		env.SensorID,
		env.SchemaVersion,
		payload,
	)
	if err != nil {
		return "", err
	}
	return outboxID, nil
}

// ListPending returns buffered records awaiting dispatch, failed ones
// included so they are retried.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, payload
FROM %s
WHERE status IN ('pending', 'failed')
ORDER BY created_at ASC
LIMIT $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.OutboxRecord
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		result = append(result, eventing.OutboxRecord{ID: id, Envelope: env})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks a record as delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'sent', sent_at = $1
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

// MarkFailed marks a record as failed and increments attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'failed', attempts = attempts + 1
WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// PendingCount reports how many records still await delivery.
func (s *OutboxStore) PendingCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
SELECT count(*) FROM %s WHERE status IN ('pending', 'failed')`, s.table)
	var n int
	err := s.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// ProcessedStore tracks consumed event ids per consumer.
type ProcessedStore struct {
	db *sql.DB
}

// NewProcessedStore constructs a processed-event store.
func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("processed store: nil db")
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2
)`, consumerName, eventID).Scan(&exists)
	return exists, err
}

// MarkProcessed records the event as handled by the consumer.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_events (consumer, event_id)
VALUES ($1, $2)
ON CONFLICT (consumer, event_id) DO NOTHING`, consumerName, eventID)
	return err
}

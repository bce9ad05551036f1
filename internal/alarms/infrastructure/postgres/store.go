package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alarms "sitewatch/internal/alarms/domain"
)

// Store persists alarm instances and the append-only lifecycle event log.
// The log table carries no UPDATE or DELETE path; a transition writes the
// entry and the state upsert in one transaction.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveTransition appends the event-log entry and upserts the instance state
// atomically. The log sequence number is written back into entry.Seq.
func (s *Store) SaveTransition(ctx context.Context, inst *alarms.AlarmInstance, entry *alarms.EventLogEntry) error {
	if s == nil || s.db == nil {
		return errors.New("alarm store: nil db")
	}
	if inst == nil || entry == nil {
		return errors.New("alarm store: nil instance or entry")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
INSERT INTO alarm_events (
	alarm_id, sensor_id, event_type, old_state, new_state,
	value, priority, operator, reason, occurred_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10
)
RETURNING seq`,
		entry.AlarmID,
		entry.SensorID,
		entry.EventType,
		entry.OldState,
		entry.NewState,
		entry.Value,
		entry.Priority,
		nullableString(entry.Operator),
		nullableString(entry.Reason),
		entry.At.UTC(),
	)
	if err := row.Scan(&entry.Seq); err != nil {
		return fmt.Errorf("alarm store: insert event: %w", err)
	}

	if err := upsertInstance(ctx, tx, inst); err != nil {
		return fmt.Errorf("alarm store: upsert instance: %w", err)
	}
	return tx.Commit()
}

// SaveState upserts the instance without logging an event. Used for
// suppression cause-set changes that are not lifecycle transitions.
func (s *Store) SaveState(ctx context.Context, inst *alarms.AlarmInstance) error {
	if s == nil || s.db == nil {
		return errors.New("alarm store: nil db")
	}
	if inst == nil {
		return errors.New("alarm store: nil instance")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertInstance(ctx, tx, inst); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertInstance(ctx context.Context, tx *sql.Tx, inst *alarms.AlarmInstance) error {
	causes, err := json.Marshal(inst.SuppressedBy)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO alarms (
	id, sensor_id, site_id, block_id, subsystem, tag,
	state, priority, level, threshold_value, threshold_direction,
	value_at_raise, value_at_clear, last_value,
	raised_at, acked_at, acked_by, cleared_at,
	shelved_at, shelved_by, shelved_until, shelve_reason,
	suppressed_by, transition_count, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11,
	$12, $13, $14,
	$15, $16, $17, $18,
	$19, $20, $21, $22,
	$23, $24, $25
)
ON CONFLICT (id)
DO UPDATE SET
	state = EXCLUDED.state,
	value_at_clear = EXCLUDED.value_at_clear,
	last_value = EXCLUDED.last_value,
	acked_at = EXCLUDED.acked_at,
	acked_by = EXCLUDED.acked_by,
	cleared_at = EXCLUDED.cleared_at,
	shelved_at = EXCLUDED.shelved_at,
	shelved_by = EXCLUDED.shelved_by,
	shelved_until = EXCLUDED.shelved_until,
	shelve_reason = EXCLUDED.shelve_reason,
	suppressed_by = EXCLUDED.suppressed_by,
	transition_count = EXCLUDED.transition_count,
	updated_at = EXCLUDED.updated_at`,
		inst.ID,
		inst.SensorID,
		nullableString(inst.SiteID),
		nullableString(inst.BlockID),
		nullableString(inst.Subsystem),
		nullableString(inst.Tag),
		inst.State,
		inst.Priority.String(),
		string(inst.Level),
		inst.ThresholdValue,
		inst.ThresholdDirection,
		inst.ValueAtRaise,
		inst.ValueAtClear,
		inst.LastValue,
		inst.RaisedAt.UTC(),
		nullableTime(inst.AckedAt),
		nullableString(inst.AckedBy),
		nullableTime(inst.ClearedAt),
		nullableTime(inst.ShelvedAt),
		nullableString(inst.ShelvedBy),
		nullableTime(inst.ShelvedUntil),
		nullableString(inst.ShelveReason),
		causes,
		inst.TransitionCount,
		inst.UpdatedAt.UTC(),
	)
	return err
}

// LoadActive returns every non-CLEARED instance for startup recovery.
func (s *Store) LoadActive(ctx context.Context) ([]*alarms.AlarmInstance, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("alarm store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sensor_id, site_id, block_id, subsystem, tag,
	state, priority, level, threshold_value, threshold_direction,
	value_at_raise, value_at_clear, last_value,
	raised_at, acked_at, acked_by, cleared_at,
	shelved_at, shelved_by, shelved_until, shelve_reason,
	suppressed_by, transition_count, updated_at
FROM alarms
WHERE state <> 'CLEARED'
ORDER BY raised_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*alarms.AlarmInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(rows *sql.Rows) (*alarms.AlarmInstance, error) {
	var (
		inst     alarms.AlarmInstance
		priority string
		level    string
		siteID, blockID, subsystem, tag  sql.NullString
		ackedBy, shelvedBy, shelveReason sql.NullString
		ackedAt, clearedAt               sql.NullTime
		shelvedAt, shelvedUntil          sql.NullTime
		causes                           []byte
	)
	if err := rows.Scan(
		&inst.ID,
		&inst.SensorID,
		&siteID,
		&blockID,
		&subsystem,
		&tag,
		&inst.State,
		&priority,
		&level,
		&inst.ThresholdValue,
		&inst.ThresholdDirection,
		&inst.ValueAtRaise,
		&inst.ValueAtClear,
		&inst.LastValue,
		&inst.RaisedAt,
		&ackedAt,
		&ackedBy,
		&clearedAt,
		&shelvedAt,
		&shelvedBy,
		&shelvedUntil,
		&shelveReason,
		&causes,
		&inst.TransitionCount,
		&inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p, err := alarms.ParsePriority(priority)
	if err != nil {
		return nil, err
	}
	inst.Priority = p
	inst.Level = alarms.Level(level)
	inst.SiteID = siteID.String
	inst.BlockID = blockID.String
	inst.Subsystem = subsystem.String
	inst.Tag = tag.String
	inst.AckedBy = ackedBy.String
	inst.ShelvedBy = shelvedBy.String
	inst.ShelveReason = shelveReason.String
	inst.RaisedAt = inst.RaisedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if ackedAt.Valid {
		inst.AckedAt = ackedAt.Time.UTC()
	}
	if clearedAt.Valid {
		inst.ClearedAt = clearedAt.Time.UTC()
	}
	if shelvedAt.Valid {
		inst.ShelvedAt = shelvedAt.Time.UTC()
	}
	if shelvedUntil.Valid {
		inst.ShelvedUntil = shelvedUntil.Time.UTC()
	}
	if len(causes) > 0 {
		if err := json.Unmarshal(causes, &inst.SuppressedBy); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

// RaisedSince counts alarm_raised events after the given time.
func (s *Store) RaisedSince(ctx context.Context, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("alarm store: nil db")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT count(*)
FROM alarm_events
WHERE event_type = $1 AND occurred_at > $2`, alarms.EventRaised, since.UTC()).Scan(&n)
	return n, err
}

// AvgAckSeconds averages raise-to-ack latency over acknowledgements after
// the given time.
func (s *Store) AvgAckSeconds(ctx context.Context, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("alarm store: nil db")
	}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT avg(extract(epoch FROM (a.occurred_at - r.occurred_at)))
FROM alarm_events a
JOIN alarm_events r ON r.alarm_id = a.alarm_id AND r.event_type = $1
WHERE a.event_type = $2 AND a.occurred_at > $3`,
		alarms.EventRaised, alarms.EventAcked, since.UTC()).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// ListEvents returns log entries at or after since, newest first, capped at
// limit (0 means a default cap of 500).
func (s *Store) ListEvents(ctx context.Context, since time.Time, limit int) ([]alarms.EventLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("alarm store: nil db")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, alarm_id, sensor_id, event_type, old_state, new_state,
	value, priority, operator, reason, occurred_at
FROM alarm_events
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
ORDER BY seq DESC
LIMIT $2`, nullableTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarms.EventLogEntry
	for rows.Next() {
		var (
			e                alarms.EventLogEntry
			operator, reason sql.NullString
		)
		if err := rows.Scan(
			&e.Seq,
			&e.AlarmID,
			&e.SensorID,
			&e.EventType,
			&e.OldState,
			&e.NewState,
			&e.Value,
			&e.Priority,
			&operator,
			&reason,
			&e.At,
		); err != nil {
			return nil, err
		}
		e.Operator = operator.String
		e.Reason = reason.String
		e.At = e.At.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

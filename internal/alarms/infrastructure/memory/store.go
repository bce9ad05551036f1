package memory

import (
	"context"
	"sync"
	"time"

	alarms "sitewatch/internal/alarms/domain"
)

// Store is an in-memory alarm store for tests and single-process demos. It
// keeps the same contract as the postgres store: the event log is
// append-only and sequence-numbered.
type Store struct {
	mu     sync.Mutex
	seq    int64
	states map[string]*alarms.AlarmInstance
	events []alarms.EventLogEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{states: map[string]*alarms.AlarmInstance{}}
}

// SaveTransition appends the log entry and upserts the instance state.
func (s *Store) SaveTransition(_ context.Context, inst *alarms.AlarmInstance, entry *alarms.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	s.events = append(s.events, *entry)
	s.states[inst.ID] = inst.Clone()
	return nil
}

// SaveState upserts the instance state without logging an event.
func (s *Store) SaveState(_ context.Context, inst *alarms.AlarmInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[inst.ID] = inst.Clone()
	return nil
}

// LoadActive returns every non-CLEARED instance.
func (s *Store) LoadActive(context.Context) ([]*alarms.AlarmInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alarms.AlarmInstance
	for _, inst := range s.states {
		if inst.Live() {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// RaisedSince counts alarm_raised entries after the given time.
func (s *Store) RaisedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == alarms.EventRaised && e.At.After(since) {
			n++
		}
	}
	return n, nil
}

// AvgAckSeconds averages raise-to-ack latency over acks after the given time.
func (s *Store) AvgAckSeconds(_ context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raisedAt := map[string]time.Time{}
	for _, e := range s.events {
		if e.EventType == alarms.EventRaised {
			raisedAt[e.AlarmID] = e.At
		}
	}
	var total float64
	var n int
	for _, e := range s.events {
		if e.EventType != alarms.EventAcked || !e.At.After(since) {
			continue
		}
		if r, ok := raisedAt[e.AlarmID]; ok {
			total += e.At.Sub(r).Seconds()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

// ListEvents returns log entries at or after since, newest first, capped at
// limit (0 means no cap).
func (s *Store) ListEvents(_ context.Context, since time.Time, limit int) ([]alarms.EventLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarms.EventLogEntry
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !since.IsZero() && e.At.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

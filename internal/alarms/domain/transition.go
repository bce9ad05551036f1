package alarms

import (
	"fmt"
	"time"
)

// Lifecycle event types. One is recorded in the event log for every transition.
const (
	EventRaised       = "alarm_raised"
	EventAcked        = "alarm_acked"
	EventCleared      = "alarm_cleared"
	EventRTNUnack     = "alarm_rtn_unack"
	EventShelved      = "alarm_shelved"
	EventUnshelved    = "alarm_unshelved"
	EventSuppressed   = "alarm_suppressed"
	EventUnsuppressed = "alarm_unsuppressed"
)

// Clear reasons recorded on system-initiated clears.
const (
	ReasonStale         = "stale"
	ReasonShelveExpired = "shelve_expired"
)

var legalTransitions = map[string]map[string]string{
	StateCleared: {
		StateActive:     EventRaised,
		StateSuppressed: EventSuppressed,
	},
	StateActive: {
		StateAcked:      EventAcked,
		StateRTNUnack:   EventRTNUnack,
		StateShelved:    EventShelved,
		StateSuppressed: EventSuppressed,
	},
	StateAcked: {
		StateCleared: EventCleared,
		StateShelved: EventShelved,
	},
	StateRTNUnack: {
		StateCleared: EventCleared,
		StateShelved: EventShelved,
	},
	StateShelved: {
		StateCleared: EventUnshelved,
	},
	StateSuppressed: {
		StateCleared: EventUnsuppressed,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to string) bool {
	_, ok := legalTransitions[from][to]
	return ok
}

func (a *AlarmInstance) move(to string, at time.Time) (string, error) {
	event, ok := legalTransitions[a.State][to]
	if !ok {
		return "", fmt.Errorf("%w: %s -> %s (sensor %s)", ErrInvalidTransition, a.State, to, a.SensorID)
	}
	a.State = to
	a.TransitionCount++
	a.UpdatedAt = at
	return event, nil
}

// Acknowledge applies an operator acknowledgement. From ACTIVE the instance
// becomes ACKED; from RTN_UNACK it retires to CLEARED.
func (a *AlarmInstance) Acknowledge(operator string, at time.Time) (string, error) {
	switch a.State {
	case StateActive:
		event, err := a.move(StateAcked, at)
		if err != nil {
			return "", err
		}
		a.AckedAt = at
		a.AckedBy = operator
		return event, nil
	case StateRTNUnack:
		event, err := a.move(StateCleared, at)
		if err != nil {
			return "", err
		}
		a.AckedAt = at
		a.AckedBy = operator
		a.ClearedAt = at
		return event, nil
	}
	return "", fmt.Errorf("%w: acknowledge from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
}

// ReturnToNormal applies a deadband-qualified clear of the process condition.
// ACTIVE holds as RTN_UNACK until acknowledged; ACKED retires to CLEARED.
func (a *AlarmInstance) ReturnToNormal(value float64, at time.Time) (string, error) {
	switch a.State {
	case StateActive:
		event, err := a.move(StateRTNUnack, at)
		if err != nil {
			return "", err
		}
		a.LastValue = value
		a.ValueAtClear = value
		return event, nil
	case StateAcked:
		event, err := a.move(StateCleared, at)
		if err != nil {
			return "", err
		}
		a.LastValue = value
		a.ValueAtClear = value
		a.ClearedAt = at
		return event, nil
	}
	return "", fmt.Errorf("%w: return-to-normal from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
}

// Shelve parks the instance until the given deadline. Legal from ACTIVE,
// ACKED and RTN_UNACK only.
func (a *AlarmInstance) Shelve(operator, reason string, until, at time.Time) (string, error) {
	switch a.State {
	case StateActive, StateAcked, StateRTNUnack:
	default:
		return "", fmt.Errorf("%w: shelve from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
	}
	event, err := a.move(StateShelved, at)
	if err != nil {
		return "", err
	}
	a.ShelvedAt = at
	a.ShelvedBy = operator
	a.ShelvedUntil = until
	a.ShelveReason = reason
	return event, nil
}

// Unshelve retires a SHELVED instance to CLEARED. The engine re-evaluates the
// sensor afterwards and raises a fresh instance if it is still in alarm.
func (a *AlarmInstance) Unshelve(at time.Time) (string, error) {
	if a.State != StateShelved {
		return "", fmt.Errorf("%w: unshelve from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
	}
	event, err := a.move(StateCleared, at)
	if err != nil {
		return "", err
	}
	a.ClearedAt = at
	return event, nil
}

// Suppress covers an ACTIVE instance with a cascade cause. Covering an
// already-SUPPRESSED instance with an additional cause grows the cause set
// without a transition; callers get back an empty event in that case.
func (a *AlarmInstance) Suppress(cause string, at time.Time) (string, error) {
	if a.State == StateSuppressed {
		if !a.suppressedBy(cause) {
			a.SuppressedBy = append(a.SuppressedBy, cause)
			a.UpdatedAt = at
		}
		return "", nil
	}
	if a.State != StateActive {
		return "", fmt.Errorf("%w: suppress from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
	}
	event, err := a.move(StateSuppressed, at)
	if err != nil {
		return "", err
	}
	if !a.suppressedBy(cause) {
		a.SuppressedBy = append(a.SuppressedBy, cause)
	}
	return event, nil
}

// ReleaseCause removes one cause from the suppression set. The instance only
// leaves SUPPRESSED (to CLEARED) once the set is empty; until then no
// transition occurs and the returned event is empty.
func (a *AlarmInstance) ReleaseCause(cause string, at time.Time) (string, error) {
	if a.State != StateSuppressed {
		return "", fmt.Errorf("%w: release cause from %s (sensor %s)", ErrInvalidTransition, a.State, a.SensorID)
	}
	kept := a.SuppressedBy[:0]
	for _, c := range a.SuppressedBy {
		if c != cause {
			kept = append(kept, c)
		}
	}
	a.SuppressedBy = kept
	a.UpdatedAt = at
	if len(a.SuppressedBy) > 0 {
		return "", nil
	}
	event, err := a.move(StateCleared, at)
	if err != nil {
		return "", err
	}
	a.ClearedAt = at
	return event, nil
}

// ForceClear retires the instance from any live state. Used by the stale
// detector; the reason travels on the event-log entry.
func (a *AlarmInstance) ForceClear(at time.Time) (string, error) {
	if a.State == StateCleared {
		return "", fmt.Errorf("%w: already cleared (sensor %s)", ErrInvalidTransition, a.SensorID)
	}
	a.State = StateCleared
	a.TransitionCount++
	a.UpdatedAt = at
	a.ClearedAt = at
	a.SuppressedBy = nil
	return EventCleared, nil
}

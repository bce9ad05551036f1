package alarms

import (
	"fmt"
	"time"
)

// ISA-18.2 lifecycle states.
const (
	StateCleared    = "CLEARED"
	StateActive     = "ACTIVE"
	StateAcked      = "ACKED"
	StateRTNUnack   = "RTN_UNACK"
	StateShelved    = "SHELVED"
	StateSuppressed = "SUPPRESSED"
)

// Priority ranks alarm urgency. P0 is the most urgent.
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2
	PriorityP3
)

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	}
	return fmt.Sprintf("P%d", int(p))
}

// ParsePriority parses "P0".."P3".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "P0":
		return PriorityP0, nil
	case "P1":
		return PriorityP1, nil
	case "P2":
		return PriorityP2, nil
	case "P3":
		return PriorityP3, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
}

// ResponseTarget returns the operator response-time objective for a priority.
// P0 is nominally immediate; an acknowledgement within 30 seconds counts as
// on target.
func (p Priority) ResponseTarget() time.Duration {
	switch p {
	case PriorityP0:
		return 30 * time.Second
	case PriorityP1:
		return 15 * time.Minute
	case PriorityP2:
		return 4 * time.Hour
	default:
		return 8 * time.Hour
	}
}

// AlarmInstance is one occurrence of an alarm condition on a sensor. A new
// crossing after CLEARED creates a fresh instance with a new id.
type AlarmInstance struct {
	ID       string
	SensorID string

	SiteID    string
	BlockID   string
	Subsystem string
	Tag       string

	State    string
	Priority Priority

	Level              Level
	ThresholdValue     float64
	ThresholdDirection string

	ValueAtRaise float64
	ValueAtClear float64
	LastValue    float64

	RaisedAt  time.Time
	AckedAt   time.Time
	AckedBy   string
	ClearedAt time.Time

	ShelvedAt    time.Time
	ShelvedBy    string
	ShelvedUntil time.Time
	ShelveReason string

	// SuppressedBy holds the sensor ids of cascade causes currently covering
	// this instance. The instance may only be SUPPRESSED while non-empty.
	SuppressedBy []string

	TransitionCount int
	UpdatedAt       time.Time
}

// NewInstance creates an instance in ACTIVE for the given threshold crossing.
func NewInstance(id string, cfg SensorThresholds, def ThresholdDef, value float64, at time.Time) *AlarmInstance {
	return &AlarmInstance{
		ID:                 id,
		SensorID:           cfg.SensorID,
		SiteID:             cfg.SiteID,
		BlockID:            cfg.BlockID,
		Subsystem:          cfg.Subsystem,
		Tag:                cfg.Tag,
		State:              StateActive,
		Priority:           def.Priority,
		Level:              def.Level,
		ThresholdValue:     def.Value,
		ThresholdDirection: def.Level.Direction(),
		ValueAtRaise:       value,
		LastValue:          value,
		RaisedAt:           at,
		TransitionCount:    1,
		UpdatedAt:          at,
	}
}

// IsStanding reports whether the instance counts as a standing alarm
// (in-alarm and not yet acknowledged away: ACTIVE or RTN_UNACK).
func (a *AlarmInstance) IsStanding() bool {
	return a.State == StateActive || a.State == StateRTNUnack
}

// Live reports whether the instance still occupies its sensor's lifecycle,
// i.e. has not reached CLEARED.
func (a *AlarmInstance) Live() bool {
	return a.State != StateCleared
}

// AckLatency returns the time from raise to acknowledgement, or zero if the
// instance was never acknowledged.
func (a *AlarmInstance) AckLatency() time.Duration {
	if a.AckedAt.IsZero() {
		return 0
	}
	return a.AckedAt.Sub(a.RaisedAt)
}

// ResponseTargetMet reports whether the acknowledgement arrived within the
// priority's response objective. Unacknowledged instances report false.
func (a *AlarmInstance) ResponseTargetMet() bool {
	if a.AckedAt.IsZero() {
		return false
	}
	return a.AckLatency() <= a.Priority.ResponseTarget()
}

// Clone returns a deep copy. The engine mutates clones and swaps them in only
// after the transition has been persisted.
func (a *AlarmInstance) Clone() *AlarmInstance {
	cp := *a
	cp.SuppressedBy = append([]string(nil), a.SuppressedBy...)
	return &cp
}

func (a *AlarmInstance) suppressedBy(cause string) bool {
	for _, c := range a.SuppressedBy {
		if c == cause {
			return true
		}
	}
	return false
}

// Snapshot is the JSON view of an instance used by the API and outbound events.
type Snapshot struct {
	ID                 string    `json:"id"`
	SensorID           string    `json:"sensor_id"`
	SiteID             string    `json:"site_id,omitempty"`
	BlockID            string    `json:"block_id,omitempty"`
	Subsystem          string    `json:"subsystem,omitempty"`
	Tag                string    `json:"tag,omitempty"`
	State              string    `json:"state"`
	Priority           string    `json:"priority"`
	Level              string    `json:"level"`
	ThresholdValue     float64   `json:"threshold_value"`
	ThresholdDirection string    `json:"threshold_direction"`
	ValueAtRaise       float64   `json:"value_at_raise"`
	ValueAtClear       float64   `json:"value_at_clear,omitempty"`
	LastValue          float64   `json:"last_value"`
	RaisedAt           time.Time `json:"raised_at"`
	AckedAt            *time.Time `json:"acked_at,omitempty"`
	AckedBy            string    `json:"acked_by,omitempty"`
	ClearedAt          *time.Time `json:"cleared_at,omitempty"`
	ShelvedUntil       *time.Time `json:"shelved_until,omitempty"`
	ShelvedBy          string    `json:"shelved_by,omitempty"`
	ShelveReason       string    `json:"shelve_reason,omitempty"`
	SuppressedBy       []string  `json:"suppressed_by,omitempty"`
	ResponseTargetSecs float64   `json:"response_target_seconds"`
	ResponseTargetMet  bool      `json:"response_target_met"`
	TransitionCount    int       `json:"transition_count"`
}

// Snapshot renders the JSON view of the instance.
func (a *AlarmInstance) Snapshot() Snapshot {
	s := Snapshot{
		ID:                 a.ID,
		SensorID:           a.SensorID,
		SiteID:             a.SiteID,
		BlockID:            a.BlockID,
		Subsystem:          a.Subsystem,
		Tag:                a.Tag,
		State:              a.State,
		Priority:           a.Priority.String(),
		Level:              string(a.Level),
		ThresholdValue:     a.ThresholdValue,
		ThresholdDirection: a.ThresholdDirection,
		ValueAtRaise:       a.ValueAtRaise,
		ValueAtClear:       a.ValueAtClear,
		LastValue:          a.LastValue,
		RaisedAt:           a.RaisedAt,
		AckedBy:            a.AckedBy,
		ShelvedBy:          a.ShelvedBy,
		ShelveReason:       a.ShelveReason,
		SuppressedBy:       append([]string(nil), a.SuppressedBy...),
		ResponseTargetSecs: a.Priority.ResponseTarget().Seconds(),
		ResponseTargetMet:  a.ResponseTargetMet(),
		TransitionCount:    a.TransitionCount,
	}
	if !a.AckedAt.IsZero() {
		t := a.AckedAt
		s.AckedAt = &t
	}
	if !a.ClearedAt.IsZero() {
		t := a.ClearedAt
		s.ClearedAt = &t
	}
	if !a.ShelvedUntil.IsZero() {
		t := a.ShelvedUntil
		s.ShelvedUntil = &t
	}
	return s
}

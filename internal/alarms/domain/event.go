package alarms

import "time"

// EventLogEntry is one row of the append-only, sequence-numbered lifecycle
// log. Entries are never updated or deleted; the store assigns Seq.
type EventLogEntry struct {
	Seq       int64     `json:"seq"`
	AlarmID   string    `json:"alarm_id"`
	SensorID  string    `json:"sensor_id"`
	EventType string    `json:"event_type"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Value     float64   `json:"value"`
	Priority  string    `json:"priority"`
	Operator  string    `json:"operator,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

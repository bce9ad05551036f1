package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	alarmapp "sitewatch/internal/alarms/application"
	alarms "sitewatch/internal/alarms/domain"
)

// StateReader loads the current instance for a sensor. Used by escalation
// timers to re-check state before firing.
type StateReader interface {
	Get(sensorID string) (alarms.Snapshot, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders lifecycle events and delivers them through a channel.
// P0 and P1 raises that stay unacknowledged past the escalation delay are
// re-sent as escalations.
type Notifier struct {
	states       StateReader
	channel      Channel
	template     *Template
	escalation   time.Duration
	clock        Clock
	mu           sync.Mutex
	timers       map[string]*time.Timer
	sent         map[string]sendRecord
	cooldown     time.Duration
	dedupeWindow time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures the unacknowledged-alarm escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// alarm and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(states StateReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		states:   states,
		channel:  channel,
		template: template,
		clock:    systemClock{},
		timers:   make(map[string]*time.Timer),
		sent:     make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify delivers a lifecycle event.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.LifecycleEvent) error {
	if n == nil || n.channel == nil {
		return nil
	}
	n.dispatch(ctx, event.Event, event.Alarm)

	switch event.Event {
	case alarms.EventRaised:
		n.scheduleEscalation(event.Alarm)
	case alarms.EventAcked, alarms.EventCleared, alarms.EventShelved, alarms.EventSuppressed:
		n.cancelEscalation(event.Alarm.ID)
	}
	return nil
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, snap alarms.Snapshot) {
	content, err := n.template.Render(buildTemplateData(eventType, snap))
	if err != nil {
		return
	}
	if !n.shouldSend(snap.ID, eventType, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		return
	}
	n.markSent(snap.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(snap alarms.Snapshot) {
	if n == nil || n.escalation <= 0 || snap.ID == "" || n.states == nil {
		return
	}
	if snap.Priority != alarms.PriorityP0.String() && snap.Priority != alarms.PriorityP1.String() {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[snap.ID]; ok && existing != nil {
		existing.Stop()
	}
	sensorID, alarmID := snap.SensorID, snap.ID
	timer := time.AfterFunc(n.escalation, func() {
		n.runEscalation(sensorID, alarmID)
	})
	n.timers[snap.ID] = timer
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(alarmID string) {
	if n == nil || alarmID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[alarmID]
	delete(n.timers, alarmID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(sensorID, alarmID string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	delete(n.timers, alarmID)
	n.mu.Unlock()

	snap, err := n.states.Get(sensorID)
	if err != nil || snap.ID != alarmID {
		return
	}
	// Only still-unacknowledged instances escalate.
	if snap.State != alarms.StateActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.dispatch(ctx, "alarm_escalated", snap)
}

func buildTemplateData(eventType string, snap alarms.Snapshot) TemplateData {
	return TemplateData{
		Sensor:     snap.SensorID,
		Tag:        snap.Tag,
		Site:       snap.SiteID,
		Block:      snap.BlockID,
		Subsystem:  snap.Subsystem,
		Priority:   snap.Priority,
		Level:      snap.Level,
		State:      snap.State,
		Value:      formatFloat(snap.LastValue),
		Threshold:  fmt.Sprintf("%s %s", snap.ThresholdDirection, formatFloat(snap.ThresholdValue)),
		RaisedAt:   snap.RaisedAt.UTC().Format(time.RFC3339),
		Operator:   snap.AckedBy,
		Reason:     snap.ShelveReason,
		Event:      eventType,
		EventLabel: eventLabel(eventType),
	}
}

func eventLabel(event string) string {
	switch event {
	case alarms.EventRaised:
		return "Raised"
	case alarms.EventAcked:
		return "Acknowledged"
	case alarms.EventCleared:
		return "Cleared"
	case alarms.EventRTNUnack:
		return "Returned to Normal"
	case alarms.EventShelved:
		return "Shelved"
	case alarms.EventUnshelved:
		return "Unshelved"
	case alarms.EventSuppressed:
		return "Suppressed"
	case alarms.EventUnsuppressed:
		return "Unsuppressed"
	case "alarm_escalated":
		return "Escalated"
	default:
		return event
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(alarmID, eventType, content string) bool {
	if n == nil {
		return false
	}
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alarmID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alarmID, eventType, content string) {
	if n == nil {
		return
	}
	key := notificationKey(alarmID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(alarmID, eventType string) string {
	return alarmID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

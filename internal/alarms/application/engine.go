package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	alarms "sitewatch/internal/alarms/domain"
	"sitewatch/internal/observability/metrics"
	readings "sitewatch/internal/readings/domain"
)

// Clock provides current time; tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store persists alarm state and the append-only event log. SaveTransition
// must write the log entry and the state upsert atomically.
type Store interface {
	SaveTransition(ctx context.Context, inst *alarms.AlarmInstance, entry *alarms.EventLogEntry) error
	SaveState(ctx context.Context, inst *alarms.AlarmInstance) error
	LoadActive(ctx context.Context) ([]*alarms.AlarmInstance, error)
	RaisedSince(ctx context.Context, since time.Time) (int, error)
	AvgAckSeconds(ctx context.Context, since time.Time) (float64, error)
}

// LifecycleEvent is the outbound payload published on every transition.
type LifecycleEvent struct {
	Event     string          `json:"event"`
	Alarm     alarms.Snapshot `json:"alarm"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher delivers lifecycle events downstream. Delivery failures must not
// block or fail the transition; durable buffering is the publisher's job.
type Publisher interface {
	PublishLifecycle(ctx context.Context, event LifecycleEvent) error
}

// Tuning holds the engine's runtime knobs.
type Tuning struct {
	MaxShelveDuration     time.Duration
	DefaultShelveDuration time.Duration
	StaleWindow           time.Duration
	ShelveSweepInterval   time.Duration
	StaleSweepInterval    time.Duration
	ComplianceInterval    time.Duration
	TargetAlarmsPerHour   int
	PersistAttempts       int
	PersistBackoff        time.Duration
}

// DefaultTuning returns the ISA-18.2 defaults.
func DefaultTuning() Tuning {
	return Tuning{
		MaxShelveDuration:     24 * time.Hour,
		DefaultShelveDuration: 8 * time.Hour,
		StaleWindow:           30 * time.Minute,
		ShelveSweepInterval:   5 * time.Minute,
		StaleSweepInterval:    time.Minute,
		ComplianceInterval:    30 * time.Second,
		TargetAlarmsPerHour:   6,
		PersistAttempts:       3,
		PersistBackoff:        100 * time.Millisecond,
	}
}

func (t Tuning) normalized() Tuning {
	d := DefaultTuning()
	if t.MaxShelveDuration <= 0 {
		t.MaxShelveDuration = d.MaxShelveDuration
	}
	if t.DefaultShelveDuration <= 0 {
		t.DefaultShelveDuration = d.DefaultShelveDuration
	}
	if t.StaleWindow <= 0 {
		t.StaleWindow = d.StaleWindow
	}
	if t.ShelveSweepInterval <= 0 {
		t.ShelveSweepInterval = d.ShelveSweepInterval
	}
	if t.StaleSweepInterval <= 0 {
		t.StaleSweepInterval = d.StaleSweepInterval
	}
	if t.ComplianceInterval <= 0 {
		t.ComplianceInterval = d.ComplianceInterval
	}
	if t.TargetAlarmsPerHour <= 0 {
		t.TargetAlarmsPerHour = d.TargetAlarmsPerHour
	}
	if t.PersistAttempts <= 0 {
		t.PersistAttempts = d.PersistAttempts
	}
	if t.PersistBackoff <= 0 {
		t.PersistBackoff = d.PersistBackoff
	}
	return t
}

type ruleSet struct {
	gen        int64
	thresholds *alarms.ThresholdSet
	cascade    *alarms.CascadeTable
}

// slot serializes all work on one sensor. Readings and operator commands take
// the same mutex, so commands are never queued behind a reading backlog.
type slot struct {
	mu       sync.Mutex
	sensorID string

	inst *alarms.AlarmInstance

	eval    *evaluator
	ruleGen int64

	lastValue     float64
	hasValue      bool
	lastSeen      time.Time
	lastProcessed time.Time
}

// Engine owns the alarm lifecycle for all configured sensors.
type Engine struct {
	store     Store
	publisher Publisher
	clock     Clock
	log       logrus.FieldLogger
	tuning    Tuning

	rules   atomic.Pointer[ruleSet]
	ruleGen atomic.Int64

	mu    sync.RWMutex
	slots map[string]*slot

	// covering tracks which cascade causes are currently alarming
	// (ACTIVE or ACKED). Kept outside the slots so coverage checks never
	// need a second slot lock.
	coverMu  sync.RWMutex
	covering map[string]bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPublisher sets the outbound event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTuning overrides the default knobs. Zero fields keep their defaults.
func WithTuning(t Tuning) Option {
	return func(e *Engine) { e.tuning = t.normalized() }
}

// NewEngine builds an engine over a validated rule set.
func NewEngine(store Store, thresholds *alarms.ThresholdSet, cascade *alarms.CascadeTable, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store required", alarms.ErrInvalidArgument)
	}
	if thresholds == nil {
		return nil, fmt.Errorf("%w: threshold set required", alarms.ErrInvalidArgument)
	}
	if cascade == nil {
		var err error
		cascade, err = alarms.NewCascadeTable(nil)
		if err != nil {
			return nil, err
		}
	}
	e := &Engine{
		store:    store,
		clock:    systemClock{},
		log:      logrus.StandardLogger(),
		tuning:   DefaultTuning(),
		slots:    map[string]*slot{},
		covering: map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules.Store(&ruleSet{gen: e.ruleGen.Add(1), thresholds: thresholds, cascade: cascade})
	return e, nil
}

// ReloadRules atomically swaps the threshold and cascade configuration.
// In-flight evaluations finish against the set they started with; per-sensor
// debounce state restarts under the new set.
func (e *Engine) ReloadRules(thresholds *alarms.ThresholdSet, cascade *alarms.CascadeTable) error {
	if thresholds == nil {
		return fmt.Errorf("%w: threshold set required", alarms.ErrInvalidArgument)
	}
	if cascade == nil {
		var err error
		cascade, err = alarms.NewCascadeTable(nil)
		if err != nil {
			return err
		}
	}
	e.rules.Store(&ruleSet{gen: e.ruleGen.Add(1), thresholds: thresholds, cascade: cascade})
	e.log.WithField("sensors", thresholds.Len()).Info("alarm rules reloaded")
	return nil
}

// Restore loads every non-CLEARED instance from the store into its sensor
// slot. Called once at startup before readings are consumed.
func (e *Engine) Restore(ctx context.Context) error {
	instances, err := e.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", alarms.ErrPersistenceUnavailable, err)
	}
	rs := e.rules.Load()
	now := e.clock.Now()
	for _, inst := range instances {
		if !inst.Live() {
			continue
		}
		s := e.slotFor(inst.SensorID)
		s.mu.Lock()
		s.inst = inst
		s.lastValue = inst.LastValue
		s.hasValue = true
		s.lastSeen = now
		s.mu.Unlock()
		if rs.cascade.IsCause(inst.SensorID) && (inst.State == alarms.StateActive || inst.State == alarms.StateAcked) {
			e.coverMu.Lock()
			e.covering[inst.SensorID] = true
			e.coverMu.Unlock()
		}
	}
	e.releaseStaleCauses(ctx, rs, now)
	e.log.WithField("instances", len(instances)).Info("alarm state restored")
	return nil
}

// releaseStaleCauses drops restored suppression causes that are no longer
// alarming. A crash between a cause's clear and its cascade fan-out leaves
// effects holding the cause in their set; without this they would stay
// SUPPRESSED until that cause alarmed and cleared again.
func (e *Engine) releaseStaleCauses(ctx context.Context, rs *ruleSet, now time.Time) {
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		inst := s.inst
		if inst == nil || inst.State != alarms.StateSuppressed {
			s.mu.Unlock()
			continue
		}
		var stale []string
		e.coverMu.RLock()
		for _, cause := range inst.SuppressedBy {
			if !e.covering[cause] {
				stale = append(stale, cause)
			}
		}
		e.coverMu.RUnlock()
		if len(stale) == 0 {
			s.mu.Unlock()
			continue
		}
		next := inst.Clone()
		old := next.State
		var event string
		var relErr error
		for _, cause := range stale {
			event, relErr = next.ReleaseCause(cause, now)
			if relErr != nil {
				break
			}
		}
		switch {
		case relErr != nil:
			e.log.WithError(relErr).WithField("sensor", s.sensorID).Warn("restore cause release failed")
		case event == "":
			// Other restored causes still cover the effect.
			if err := e.store.SaveState(ctx, next); err != nil {
				e.log.WithError(err).WithField("sensor", s.sensorID).Warn("cause set persist failed")
			} else {
				s.inst = next
			}
		default:
			meta := entryMeta{value: next.LastValue, at: now, reason: "cascade:" + stale[len(stale)-1]}
			if err := e.commit(ctx, s, rs, next, old, event, meta); err != nil {
				e.log.WithError(err).WithField("sensor", s.sensorID).Warn("restore unsuppress failed")
			} else {
				e.reRaiseLocked(ctx, s, rs, now)
			}
		}
		s.mu.Unlock()
	}
}

func (e *Engine) slotFor(sensorID string) *slot {
	e.mu.RLock()
	s, ok := e.slots[sensorID]
	e.mu.RUnlock()
	if ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.slots[sensorID]; ok {
		return s
	}
	s = &slot{sensorID: sensorID}
	e.slots[sensorID] = s
	return s
}

// ensureEval rebuilds the slot's evaluator when the rule set has changed.
// Caller holds s.mu.
func (e *Engine) ensureEval(s *slot, rs *ruleSet) (alarms.SensorThresholds, bool) {
	cfg, ok := rs.thresholds.Get(s.sensorID)
	if !ok {
		return alarms.SensorThresholds{}, false
	}
	if s.eval == nil || s.ruleGen != rs.gen {
		s.eval = newEvaluator(cfg)
		s.ruleGen = rs.gen
	}
	return cfg, true
}

// ProcessReading evaluates one reading against the sensor's thresholds and
// applies any resulting transition. Readings older than the sensor's last
// processed reading are discarded.
func (e *Engine) ProcessReading(ctx context.Context, r readings.Reading) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", alarms.ErrInvalidArgument, err)
	}
	metrics.IncReading(string(r.Quality))

	rs := e.rules.Load()
	if _, ok := rs.thresholds.Get(r.SensorID); !ok {
		metrics.IncDiscarded("unknown_sensor")
		return nil
	}

	s := e.slotFor(r.SensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := e.ensureEval(s, rs); !ok {
		metrics.IncDiscarded("unknown_sensor")
		return nil
	}
	if !s.lastProcessed.IsZero() && !r.Timestamp.After(s.lastProcessed) {
		metrics.IncDiscarded("stale_reading")
		return nil
	}
	s.lastProcessed = r.Timestamp
	s.lastSeen = e.clock.Now()

	if r.Quality == readings.QualityBad {
		return nil
	}
	s.lastValue = r.Value
	s.hasValue = true
	if s.inst != nil && s.inst.Live() {
		s.inst.LastValue = r.Value
	}

	var active *alarms.ThresholdDef
	if s.inst != nil && s.inst.Live() {
		if def, ok := e.instDef(s.inst, rs); ok {
			active = &def
		}
	}
	ev := s.eval.Evaluate(r, active)
	switch ev.Condition {
	case ConditionRaise:
		if s.inst != nil && s.inst.Live() {
			return nil
		}
		return e.raiseLocked(ctx, s, rs, ev.Def, ev.Value, ev.At)
	case ConditionClear:
		return e.clearLocked(ctx, s, rs, ev.Value, ev.At)
	}
	return nil
}

func (e *Engine) instDef(inst *alarms.AlarmInstance, rs *ruleSet) (alarms.ThresholdDef, bool) {
	cfg, ok := rs.thresholds.Get(inst.SensorID)
	if !ok {
		return alarms.ThresholdDef{}, false
	}
	if def, ok := cfg.Level(inst.Level); ok {
		return def, true
	}
	// Level dropped on reload; fall back to the instance's stored trigger.
	return alarms.ThresholdDef{
		Level:    inst.Level,
		Value:    inst.ThresholdValue,
		Priority: inst.Priority,
	}, true
}

// raiseLocked creates a fresh instance for a qualified crossing. If the
// sensor is covered by an alarming cascade cause the instance is born
// directly SUPPRESSED. Caller holds s.mu.
func (e *Engine) raiseLocked(ctx context.Context, s *slot, rs *ruleSet, def alarms.ThresholdDef, value float64, at time.Time) error {
	cfg, ok := rs.thresholds.Get(s.sensorID)
	if !ok {
		return nil
	}
	inst := alarms.NewInstance("alarm-"+uuid.NewString(), cfg, def, value, at)
	event := alarms.EventRaised
	if causes := e.coveredBy(rs, s.sensorID); len(causes) > 0 {
		inst.State = alarms.StateSuppressed
		inst.SuppressedBy = causes
		event = alarms.EventSuppressed
	}
	return e.commit(ctx, s, rs, inst, alarms.StateCleared, event, entryMeta{value: value, at: at})
}

// clearLocked applies a deadband-qualified return to normal. SHELVED and
// SUPPRESSED instances do not react to readings. Caller holds s.mu.
func (e *Engine) clearLocked(ctx context.Context, s *slot, rs *ruleSet, value float64, at time.Time) error {
	inst := s.inst
	if inst == nil || !inst.Live() {
		return nil
	}
	switch inst.State {
	case alarms.StateShelved, alarms.StateSuppressed, alarms.StateRTNUnack:
		return nil
	}
	next := inst.Clone()
	old := next.State
	event, err := next.ReturnToNormal(value, at)
	if err != nil {
		return err
	}
	return e.commit(ctx, s, rs, next, old, event, entryMeta{value: value, at: at})
}

// Acknowledge applies an operator acknowledgement to the sensor's live
// instance.
func (e *Engine) Acknowledge(ctx context.Context, sensorID, operator string) (alarms.Snapshot, error) {
	if operator == "" {
		return alarms.Snapshot{}, fmt.Errorf("%w: operator required", alarms.ErrInvalidArgument)
	}
	rs := e.rules.Load()
	s, err := e.liveSlot(sensorID)
	if err != nil {
		return alarms.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.inst
	if inst == nil || !inst.Live() {
		return alarms.Snapshot{}, fmt.Errorf("%w: no live alarm on sensor %s", alarms.ErrNotFound, sensorID)
	}
	now := e.clock.Now()
	next := inst.Clone()
	old := next.State
	event, err := next.Acknowledge(operator, now)
	if err != nil {
		return alarms.Snapshot{}, err
	}
	if err := e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: now, operator: operator}); err != nil {
		return alarms.Snapshot{}, err
	}
	return next.Snapshot(), nil
}

// Shelve parks the sensor's live instance. The reason is mandatory and the
// duration is clamped to the configured maximum; zero means the default.
func (e *Engine) Shelve(ctx context.Context, sensorID, operator, reason string, duration time.Duration) (alarms.Snapshot, error) {
	if operator == "" {
		return alarms.Snapshot{}, fmt.Errorf("%w: operator required", alarms.ErrInvalidArgument)
	}
	if reason == "" {
		return alarms.Snapshot{}, fmt.Errorf("%w: shelve reason required", alarms.ErrInvalidArgument)
	}
	if duration <= 0 {
		duration = e.tuning.DefaultShelveDuration
	}
	if duration > e.tuning.MaxShelveDuration {
		duration = e.tuning.MaxShelveDuration
	}
	rs := e.rules.Load()
	s, err := e.liveSlot(sensorID)
	if err != nil {
		return alarms.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.inst
	if inst == nil || !inst.Live() {
		return alarms.Snapshot{}, fmt.Errorf("%w: no live alarm on sensor %s", alarms.ErrNotFound, sensorID)
	}
	switch inst.State {
	case alarms.StateActive, alarms.StateAcked, alarms.StateRTNUnack:
	default:
		return alarms.Snapshot{}, fmt.Errorf("%w: cannot shelve from %s", alarms.ErrInvalidArgument, inst.State)
	}
	now := e.clock.Now()
	next := inst.Clone()
	old := next.State
	event, err := next.Shelve(operator, reason, now.Add(duration), now)
	if err != nil {
		return alarms.Snapshot{}, err
	}
	if err := e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: now, operator: operator, reason: reason}); err != nil {
		return alarms.Snapshot{}, err
	}
	return next.Snapshot(), nil
}

func (e *Engine) liveSlot(sensorID string) (*slot, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("%w: sensor id required", alarms.ErrInvalidArgument)
	}
	e.mu.RLock()
	s, ok := e.slots[sensorID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no live alarm on sensor %s", alarms.ErrNotFound, sensorID)
	}
	return s, nil
}

// SweepShelves retires every shelve whose deadline has passed and
// re-evaluates the sensor against its last value, raising a fresh instance
// when still in alarm. Returns the number of expired shelves.
func (e *Engine) SweepShelves(ctx context.Context, now time.Time) int {
	rs := e.rules.Load()
	expired := 0
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		inst := s.inst
		if inst == nil || inst.State != alarms.StateShelved || inst.ShelvedUntil.After(now) {
			s.mu.Unlock()
			continue
		}
		next := inst.Clone()
		old := next.State
		event, err := next.Unshelve(now)
		if err == nil {
			err = e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: now, reason: alarms.ReasonShelveExpired})
		}
		if err != nil {
			e.log.WithError(err).WithField("sensor", s.sensorID).Warn("shelve expiry failed")
			s.mu.Unlock()
			continue
		}
		expired++
		e.reRaiseLocked(ctx, s, rs, now)
		s.mu.Unlock()
	}
	return expired
}

// SweepStale force-clears every live instance whose sensor has produced no
// reading of any quality for the stale window. Returns the number cleared.
func (e *Engine) SweepStale(ctx context.Context, now time.Time) int {
	rs := e.rules.Load()
	cleared := 0
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		inst := s.inst
		if inst == nil || !inst.Live() || s.lastSeen.IsZero() || now.Sub(s.lastSeen) <= e.tuning.StaleWindow {
			s.mu.Unlock()
			continue
		}
		next := inst.Clone()
		old := next.State
		event, err := next.ForceClear(now)
		if err == nil {
			err = e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: now, reason: alarms.ReasonStale})
		}
		if err != nil {
			e.log.WithError(err).WithField("sensor", s.sensorID).Warn("stale clear failed")
		} else {
			cleared++
			s.hasValue = false
		}
		s.mu.Unlock()
	}
	return cleared
}

// reRaiseLocked raises a fresh instance if the sensor's last value still
// qualifies, bypassing debounce. Caller holds s.mu.
func (e *Engine) reRaiseLocked(ctx context.Context, s *slot, rs *ruleSet, now time.Time) {
	if _, ok := e.ensureEval(s, rs); !ok {
		return
	}
	if !s.hasValue {
		return
	}
	def, ok := s.eval.StillInAlarm(s.lastValue)
	if !ok {
		return
	}
	if err := e.raiseLocked(ctx, s, rs, def, s.lastValue, now); err != nil {
		e.log.WithError(err).WithField("sensor", s.sensorID).Warn("re-raise failed")
	}
}

func (e *Engine) snapshotSlots() []*slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*slot, 0, len(e.slots))
	ids := make([]string, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, e.slots[id])
	}
	return out
}

type entryMeta struct {
	value    float64
	at       time.Time
	operator string
	reason   string
}

// commit persists the transition (entry + state, with bounded retry), then
// swaps the new instance into the slot, publishes the lifecycle event and
// runs cascade fan-out. On persistence failure the slot is left untouched.
// Caller holds s.mu.
func (e *Engine) commit(ctx context.Context, s *slot, rs *ruleSet, next *alarms.AlarmInstance, oldState, event string, meta entryMeta) error {
	entry := &alarms.EventLogEntry{
		AlarmID:   next.ID,
		SensorID:  next.SensorID,
		EventType: event,
		OldState:  oldState,
		NewState:  next.State,
		Value:     meta.value,
		Priority:  next.Priority.String(),
		Operator:  meta.operator,
		Reason:    meta.reason,
		At:        meta.at,
	}
	if err := e.persistTransition(ctx, next, entry); err != nil {
		return err
	}
	s.inst = next

	metrics.IncTransition(event)
	if event == alarms.EventAcked || (event == alarms.EventCleared && meta.operator != "") {
		metrics.ObserveAckLatency(next.AckLatency())
	}
	e.log.WithFields(logrus.Fields{
		"sensor": next.SensorID,
		"alarm":  next.ID,
		"event":  event,
		"state":  next.State,
	}).Info("alarm transition")

	e.publish(ctx, event, next, meta.at)
	e.updateCover(ctx, s, rs, next, meta.at)
	return nil
}

func (e *Engine) persistTransition(ctx context.Context, inst *alarms.AlarmInstance, entry *alarms.EventLogEntry) error {
	var err error
	for attempt := 0; attempt < e.tuning.PersistAttempts; attempt++ {
		if attempt > 0 {
			metrics.IncPersistRetry()
			time.Sleep(e.tuning.PersistBackoff << (attempt - 1))
		}
		if err = e.store.SaveTransition(ctx, inst, entry); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", alarms.ErrPersistenceUnavailable, err)
}

func (e *Engine) publish(ctx context.Context, event string, inst *alarms.AlarmInstance, at time.Time) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.PublishLifecycle(ctx, LifecycleEvent{Event: event, Alarm: inst.Snapshot(), Timestamp: at})
	if err != nil {
		metrics.IncPublishFailure()
		e.log.WithError(err).WithField("alarm", inst.ID).Warn("lifecycle publish degraded to buffer")
	}
}

// coveredBy returns the alarming causes configured for the sensor.
func (e *Engine) coveredBy(rs *ruleSet, sensorID string) []string {
	causes := rs.cascade.CausesOf(sensorID)
	if len(causes) == 0 {
		return nil
	}
	e.coverMu.RLock()
	defer e.coverMu.RUnlock()
	var active []string
	for _, c := range causes {
		if e.covering[c] {
			active = append(active, c)
		}
	}
	return active
}

// updateCover reconciles the cause's covering flag after a committed
// transition and fans suppression out to (or back from) its effects. Caller
// holds s.mu; effect slots are locked one at a time. The cascade graph is
// validated acyclic, so the nested locking cannot deadlock.
func (e *Engine) updateCover(ctx context.Context, s *slot, rs *ruleSet, inst *alarms.AlarmInstance, at time.Time) {
	if !rs.cascade.IsCause(s.sensorID) {
		return
	}
	covering := inst.Live() && (inst.State == alarms.StateActive || inst.State == alarms.StateAcked)
	e.coverMu.Lock()
	was := e.covering[s.sensorID]
	if covering {
		e.covering[s.sensorID] = true
	} else {
		delete(e.covering, s.sensorID)
	}
	e.coverMu.Unlock()
	if covering == was {
		return
	}
	if covering {
		e.fanOutSuppress(ctx, rs, s.sensorID, at)
	} else {
		e.fanOutLift(ctx, rs, s.sensorID, at)
	}
}

func (e *Engine) fanOutSuppress(ctx context.Context, rs *ruleSet, cause string, at time.Time) {
	for _, effect := range rs.cascade.EffectsOf(cause) {
		if effect == cause {
			continue
		}
		s := e.slotFor(effect)
		s.mu.Lock()
		inst := s.inst
		if inst == nil || !inst.Live() {
			s.mu.Unlock()
			continue
		}
		switch inst.State {
		case alarms.StateActive:
			next := inst.Clone()
			old := next.State
			event, err := next.Suppress(cause, at)
			if err == nil {
				err = e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: at, reason: "cascade:" + cause})
			}
			if err != nil {
				e.log.WithError(err).WithField("sensor", effect).Warn("cascade suppress failed")
			}
		case alarms.StateSuppressed:
			next := inst.Clone()
			if _, err := next.Suppress(cause, at); err == nil {
				if err := e.store.SaveState(ctx, next); err != nil {
					e.log.WithError(err).WithField("sensor", effect).Warn("cause set persist failed")
				} else {
					s.inst = next
				}
			}
		}
		s.mu.Unlock()
	}
}

func (e *Engine) fanOutLift(ctx context.Context, rs *ruleSet, cause string, at time.Time) {
	for _, effect := range rs.cascade.EffectsOf(cause) {
		if effect == cause {
			continue
		}
		s := e.slotFor(effect)
		s.mu.Lock()
		inst := s.inst
		if inst == nil || inst.State != alarms.StateSuppressed {
			s.mu.Unlock()
			continue
		}
		next := inst.Clone()
		old := next.State
		event, err := next.ReleaseCause(cause, at)
		if err != nil {
			s.mu.Unlock()
			continue
		}
		if event == "" {
			// Other causes still cover the effect.
			if err := e.store.SaveState(ctx, next); err != nil {
				e.log.WithError(err).WithField("sensor", effect).Warn("cause set persist failed")
			} else {
				s.inst = next
			}
			s.mu.Unlock()
			continue
		}
		if err := e.commit(ctx, s, rs, next, old, event, entryMeta{value: next.LastValue, at: at, reason: "cascade:" + cause}); err != nil {
			e.log.WithError(err).WithField("sensor", effect).Warn("cascade lift failed")
			s.mu.Unlock()
			continue
		}
		e.reRaiseLocked(ctx, s, rs, at)
		s.mu.Unlock()
	}
}

// Filter narrows alarm listings.
type Filter struct {
	State    string
	Priority string
	SiteID   string
	BlockID  string
}

func (f Filter) matches(s alarms.Snapshot) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.Priority != "" && s.Priority != f.Priority {
		return false
	}
	if f.SiteID != "" && s.SiteID != f.SiteID {
		return false
	}
	if f.BlockID != "" && s.BlockID != f.BlockID {
		return false
	}
	return true
}

// List returns snapshots of all live instances, most urgent first.
func (e *Engine) List(filter Filter) []alarms.Snapshot {
	var out []alarms.Snapshot
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		if s.inst != nil && s.inst.Live() {
			snap := s.inst.Snapshot()
			if filter.matches(snap) {
				out = append(out, snap)
			}
		}
		s.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RaisedAt.After(out[j].RaisedAt)
	})
	return out
}

// Get returns the sensor's current instance snapshot, live or last retired.
func (e *Engine) Get(sensorID string) (alarms.Snapshot, error) {
	e.mu.RLock()
	s, ok := e.slots[sensorID]
	e.mu.RUnlock()
	if !ok {
		return alarms.Snapshot{}, fmt.Errorf("%w: sensor %s", alarms.ErrNotFound, sensorID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inst == nil {
		return alarms.Snapshot{}, fmt.Errorf("%w: sensor %s has no alarm history", alarms.ErrNotFound, sensorID)
	}
	return s.inst.Snapshot(), nil
}

// Stats is the ISA-18.2 compliance summary.
type Stats struct {
	Standing         int     `json:"standing"`
	Acked            int     `json:"acked"`
	Shelved          int     `json:"shelved"`
	Suppressed       int     `json:"suppressed"`
	RaisedLastHour   int     `json:"raised_last_hour"`
	AvgAckSeconds24h float64 `json:"avg_ack_seconds_24h"`
	TargetPerHour    int     `json:"isa_18_2_target_per_hour"`
	Compliant        bool    `json:"compliant"`
}

// Stats computes the compliance summary from live slots and the event log.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	st := Stats{TargetPerHour: e.tuning.TargetAlarmsPerHour}
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		if inst := s.inst; inst != nil && inst.Live() {
			switch {
			case inst.IsStanding():
				st.Standing++
			case inst.State == alarms.StateAcked:
				st.Acked++
			case inst.State == alarms.StateShelved:
				st.Shelved++
			case inst.State == alarms.StateSuppressed:
				st.Suppressed++
			}
		}
		s.mu.Unlock()
	}
	now := e.clock.Now()
	raised, err := e.store.RaisedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return st, fmt.Errorf("%w: %v", alarms.ErrPersistenceUnavailable, err)
	}
	st.RaisedLastHour = raised
	avg, err := e.store.AvgAckSeconds(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return st, fmt.Errorf("%w: %v", alarms.ErrPersistenceUnavailable, err)
	}
	st.AvgAckSeconds24h = avg
	st.Compliant = raised <= st.TargetPerHour
	return st, nil
}

// EffectiveTuning returns the engine's effective knobs.
func (e *Engine) EffectiveTuning() Tuning {
	return e.tuning
}

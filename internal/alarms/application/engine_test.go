package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	alarms "sitewatch/internal/alarms/domain"
	readings "sitewatch/internal/readings/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubStore struct {
	mu        sync.Mutex
	seq       int64
	states    map[string]*alarms.AlarmInstance
	events    []alarms.EventLogEntry
	failSaves int
	saveCalls int
}

func newStubStore() *stubStore {
	return &stubStore{states: map[string]*alarms.AlarmInstance{}}
}

func (s *stubStore) SaveTransition(_ context.Context, inst *alarms.AlarmInstance, entry *alarms.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("connection refused")
	}
	s.seq++
	entry.Seq = s.seq
	s.events = append(s.events, *entry)
	s.states[inst.ID] = inst.Clone()
	return nil
}

func (s *stubStore) SaveState(_ context.Context, inst *alarms.AlarmInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[inst.ID] = inst.Clone()
	return nil
}

func (s *stubStore) LoadActive(context.Context) ([]*alarms.AlarmInstance, error) {
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

func (s *stubStore) RaisedSince(_ context.Context, since time.Time) (int, error) {
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

func (s *stubStore) AvgAckSeconds(context.Context, time.Time) (float64, error) {
	return 0, nil
}

func (s *stubStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (p *recordingPublisher) PublishLifecycle(_ context.Context, ev LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testRules(t *testing.T) (*alarms.ThresholdSet, *alarms.CascadeTable) {
	t.Helper()
	set, err := alarms.NewThresholdSet([]alarms.SensorThresholds{
		{
			SensorID: "TT-L2s",
			SiteID:   "site-1",
			Deadband: 0.02,
			Levels: []alarms.ThresholdDef{
				{Level: alarms.LevelHH, Value: 60, Priority: alarms.PriorityP0},
				{Level: alarms.LevelH, Value: 55, Priority: alarms.PriorityP2, Delay: 30 * time.Second},
			},
		},
		{
			SensorID: "PUMP-A-SPEED",
			Deadband: 0.02,
			Levels:   []alarms.ThresholdDef{{Level: alarms.LevelLL, Value: 100, Priority: alarms.PriorityP1}},
		},
		{
			SensorID: "FLOW",
			Deadband: 0.02,
			Levels:   []alarms.ThresholdDef{{Level: alarms.LevelL, Value: 10, Priority: alarms.PriorityP2}},
		},
		{
			SensorID: "PUMP-B-SPEED",
			Deadband: 0.02,
			Levels:   []alarms.ThresholdDef{{Level: alarms.LevelLL, Value: 100, Priority: alarms.PriorityP1}},
		},
	})
	if err != nil {
		t.Fatalf("threshold set: %v", err)
	}
	cascade, err := alarms.NewCascadeTable([]alarms.CascadeRule{
		{Cause: "PUMP-A-SPEED", Effects: []string{"FLOW"}},
		{Cause: "PUMP-B-SPEED", Effects: []string{"FLOW"}},
	})
	if err != nil {
		t.Fatalf("cascade table: %v", err)
	}
	return set, cascade
}

func newTestEngine(t *testing.T, store Store, clock Clock, pub Publisher) *Engine {
	t.Helper()
	set, cascade := testRules(t)
	opts := []Option{
		WithClock(clock),
		WithLogger(quietLogger()),
		WithTuning(Tuning{PersistAttempts: 2, PersistBackoff: time.Millisecond}),
	}
	if pub != nil {
		opts = append(opts, WithPublisher(pub))
	}
	engine, err := NewEngine(store, set, cascade, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func feed(t *testing.T, e *Engine, sensor string, value float64, at time.Time) {
	t.Helper()
	err := e.ProcessReading(context.Background(), readings.Reading{
		SensorID: sensor, Value: value, Quality: readings.QualityGood, Timestamp: at,
	})
	if err != nil {
		t.Fatalf("process %s=%v: %v", sensor, value, err)
	}
}

func TestLifecycleRaiseAckClear(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	pub := &recordingPublisher{}
	e := newTestEngine(t, store, clock, pub)
	base := clock.Now()

	feed(t, e, "TT-L2s", 61.0, base)
	snap, err := e.Get("TT-L2s")
	if err != nil || snap.State != alarms.StateActive {
		t.Fatalf("snap=%+v err=%v", snap, err)
	}
	if snap.Level != "HH" || snap.Priority != "P0" {
		t.Fatalf("snap=%+v", snap)
	}

	clock.Advance(10 * time.Second)
	acked, err := e.Acknowledge(context.Background(), "TT-L2s", "op-7")
	if err != nil || acked.State != alarms.StateAcked {
		t.Fatalf("acked=%+v err=%v", acked, err)
	}

	// Inside the deadband: 59.0 > 60*0.98, no clear.
	feed(t, e, "TT-L2s", 59.0, base.Add(20*time.Second))
	if snap, _ := e.Get("TT-L2s"); snap.State != alarms.StateAcked {
		t.Fatalf("state = %s, want ACKED inside deadband", snap.State)
	}

	feed(t, e, "TT-L2s", 50.0, base.Add(30*time.Second))
	snap, _ = e.Get("TT-L2s")
	if snap.State != alarms.StateCleared {
		t.Fatalf("state = %s, want CLEARED", snap.State)
	}

	want := []string{alarms.EventRaised, alarms.EventAcked, alarms.EventCleared}
	got := store.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if pubTypes := pub.types(); len(pubTypes) != 3 || pubTypes[2] != alarms.EventCleared {
		t.Fatalf("published = %v", pubTypes)
	}
	// New crossing creates a fresh instance.
	feed(t, e, "TT-L2s", 62.0, base.Add(40*time.Second))
	next, _ := e.Get("TT-L2s")
	if next.ID == snap.ID || next.State != alarms.StateActive {
		t.Fatalf("next=%+v", next)
	}
}

func TestLifecycleRTNUnackPath(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "TT-L2s", 61.0, base)
	feed(t, e, "TT-L2s", 50.0, base.Add(time.Second))
	snap, _ := e.Get("TT-L2s")
	if snap.State != alarms.StateRTNUnack {
		t.Fatalf("state = %s, want RTN_UNACK", snap.State)
	}

	acked, err := e.Acknowledge(context.Background(), "TT-L2s", "op-7")
	if err != nil || acked.State != alarms.StateCleared {
		t.Fatalf("acked=%+v err=%v", acked, err)
	}
	got := store.eventTypes()
	if got[len(got)-1] != alarms.EventCleared {
		t.Fatalf("events = %v", got)
	}
}

func TestStaleReadingsSilentlyDiscarded(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "TT-L2s", 50.0, base.Add(time.Minute))
	// Older than the last processed reading: discarded, no transition.
	feed(t, e, "TT-L2s", 61.0, base)
	if _, err := e.Get("TT-L2s"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound (no alarm raised)", err)
	}
	if len(store.eventTypes()) != 0 {
		t.Fatalf("events = %v", store.eventTypes())
	}
}

func TestBadQualityNeverTransitions(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	bad := readings.Reading{SensorID: "TT-L2s", Value: 99, Quality: readings.QualityBad, Timestamp: base}
	if err := e.ProcessReading(context.Background(), bad); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := e.Get("TT-L2s"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatal("BAD reading must not raise")
	}

	feed(t, e, "TT-L2s", 61.0, base.Add(time.Second))
	bad.Value = 10
	bad.Timestamp = base.Add(2 * time.Second)
	if err := e.ProcessReading(context.Background(), bad); err != nil {
		t.Fatalf("process: %v", err)
	}
	if snap, _ := e.Get("TT-L2s"); snap.State != alarms.StateActive {
		t.Fatal("BAD reading must not clear")
	}
}

func TestAcknowledgeValidation(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)

	if _, err := e.Acknowledge(context.Background(), "TT-L2s", ""); !errors.Is(err, alarms.ErrInvalidArgument) {
		t.Fatalf("empty operator: err = %v", err)
	}
	if _, err := e.Acknowledge(context.Background(), "TT-L2s", "op-1"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("no alarm: err = %v", err)
	}
}

func TestShelveValidationAndClamp(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()
	feed(t, e, "TT-L2s", 61.0, base)

	if _, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "", time.Hour); !errors.Is(err, alarms.ErrInvalidArgument) {
		t.Fatalf("empty reason: err = %v", err)
	}

	// 48h request is clamped to the 24h maximum.
	snap, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "planned maintenance", 48*time.Hour)
	if err != nil {
		t.Fatalf("shelve: %v", err)
	}
	if snap.State != alarms.StateShelved {
		t.Fatalf("state = %s", snap.State)
	}
	if got := snap.ShelvedUntil.Sub(clock.Now()); got != 24*time.Hour {
		t.Fatalf("shelved for %v, want 24h clamp", got)
	}

	// Shelving a SHELVED instance is rejected without mutation.
	if _, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "again", time.Hour); !errors.Is(err, alarms.ErrInvalidArgument) {
		t.Fatalf("double shelve: err = %v", err)
	}
}

func TestShelveDefaultDuration(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	feed(t, e, "TT-L2s", 61.0, clock.Now())

	snap, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "nuisance", 0)
	if err != nil {
		t.Fatalf("shelve: %v", err)
	}
	if got := snap.ShelvedUntil.Sub(clock.Now()); got != 8*time.Hour {
		t.Fatalf("default shelve = %v, want 8h", got)
	}
}

func TestShelveExpiryReRaisesFreshInstance(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	feed(t, e, "TT-L2s", 61.0, clock.Now())
	first, _ := e.Get("TT-L2s")

	if _, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "nuisance", time.Hour); err != nil {
		t.Fatalf("shelve: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if n := e.SweepShelves(context.Background(), clock.Now()); n != 1 {
		t.Fatalf("expired = %d", n)
	}
	snap, _ := e.Get("TT-L2s")
	if snap.State != alarms.StateActive {
		t.Fatalf("state = %s, want re-raised ACTIVE", snap.State)
	}
	if snap.ID == first.ID {
		t.Fatal("re-raise must create a fresh instance")
	}
	got := store.eventTypes()
	if got[len(got)-2] != alarms.EventUnshelved || got[len(got)-1] != alarms.EventRaised {
		t.Fatalf("events = %v", got)
	}
}

func TestShelveExpiryWithoutAlarmStaysCleared(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()
	feed(t, e, "TT-L2s", 61.0, base)
	if _, err := e.Shelve(context.Background(), "TT-L2s", "op-1", "nuisance", time.Hour); err != nil {
		t.Fatalf("shelve: %v", err)
	}
	// Value returns to normal while shelved.
	feed(t, e, "TT-L2s", 40.0, base.Add(time.Minute))

	clock.Advance(2 * time.Hour)
	e.SweepShelves(context.Background(), clock.Now())
	snap, _ := e.Get("TT-L2s")
	if snap.State != alarms.StateCleared {
		t.Fatalf("state = %s, want CLEARED", snap.State)
	}
}

func TestCascadeSuppressActiveEffect(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "FLOW", 5.0, base)
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(time.Second))

	flow, _ := e.Get("FLOW")
	if flow.State != alarms.StateSuppressed {
		t.Fatalf("flow state = %s, want SUPPRESSED", flow.State)
	}
	if len(flow.SuppressedBy) != 1 || flow.SuppressedBy[0] != "PUMP-A-SPEED" {
		t.Fatalf("suppressed by = %v", flow.SuppressedBy)
	}
}

func TestCascadeRaiseWhileCoveredBornSuppressed(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	pub := &recordingPublisher{}
	e := newTestEngine(t, store, clock, pub)
	base := clock.Now()

	feed(t, e, "PUMP-A-SPEED", 50.0, base)
	feed(t, e, "FLOW", 5.0, base.Add(time.Second))

	flow, _ := e.Get("FLOW")
	if flow.State != alarms.StateSuppressed {
		t.Fatalf("flow state = %s, want born SUPPRESSED", flow.State)
	}
	got := store.eventTypes()
	if len(got) != 2 || got[0] != alarms.EventRaised || got[1] != alarms.EventSuppressed {
		t.Fatalf("events = %v, covered raise must emit alarm_suppressed only", got)
	}
	if pubTypes := pub.types(); len(pubTypes) != 2 || pubTypes[1] != alarms.EventSuppressed {
		t.Fatalf("published = %v", pubTypes)
	}
}

func TestCascadeLiftReRaisesStillAlarmingEffect(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "FLOW", 5.0, base)
	firstFlow, _ := e.Get("FLOW")
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(time.Second))

	// Pump recovers: ACTIVE -> RTN_UNACK lifts the suppression.
	feed(t, e, "PUMP-A-SPEED", 110.0, base.Add(2*time.Second))

	flow, _ := e.Get("FLOW")
	if flow.State != alarms.StateActive {
		t.Fatalf("flow state = %s, want re-raised ACTIVE", flow.State)
	}
	if flow.ID == firstFlow.ID {
		t.Fatal("re-raise after unsuppress must create a fresh instance")
	}
	types := store.eventTypes()
	sawUnsuppressed := false
	for _, et := range types {
		if et == alarms.EventUnsuppressed {
			sawUnsuppressed = true
		}
	}
	if !sawUnsuppressed {
		t.Fatalf("events = %v, want alarm_unsuppressed before re-raise", types)
	}
}

func TestCascadeMultiCauseUnion(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "FLOW", 5.0, base)
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(time.Second))
	feed(t, e, "PUMP-B-SPEED", 50.0, base.Add(2*time.Second))

	flow, _ := e.Get("FLOW")
	if len(flow.SuppressedBy) != 2 {
		t.Fatalf("suppressed by = %v", flow.SuppressedBy)
	}

	// First cause clears: still covered by the second.
	feed(t, e, "PUMP-A-SPEED", 110.0, base.Add(3*time.Second))
	flow, _ = e.Get("FLOW")
	if flow.State != alarms.StateSuppressed || len(flow.SuppressedBy) != 1 {
		t.Fatalf("flow = %+v", flow)
	}

	// Second cause clears: suppression lifts, flow re-raises.
	feed(t, e, "PUMP-B-SPEED", 110.0, base.Add(4*time.Second))
	flow, _ = e.Get("FLOW")
	if flow.State != alarms.StateActive {
		t.Fatalf("flow state = %s", flow.State)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	store := newStubStore()
	store.failSaves = 2 // both attempts fail
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)

	err := e.ProcessReading(context.Background(), readings.Reading{
		SensorID: "TT-L2s", Value: 61.0, Quality: readings.QualityGood, Timestamp: clock.Now(),
	})
	if !errors.Is(err, alarms.ErrPersistenceUnavailable) {
		t.Fatalf("err = %v, want ErrPersistenceUnavailable", err)
	}
	if _, err := e.Get("TT-L2s"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatal("failed transition must not become visible")
	}
	if store.saveCalls != 2 {
		t.Fatalf("save calls = %d, want bounded retry", store.saveCalls)
	}

	// The store recovers; the next reading raises normally.
	feed(t, e, "TT-L2s", 61.5, clock.Now().Add(time.Second))
	if snap, _ := e.Get("TT-L2s"); snap.State != alarms.StateActive {
		t.Fatalf("state = %s", snap.State)
	}
}

func TestStaleSweepForceClears(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	feed(t, e, "TT-L2s", 61.0, clock.Now())

	clock.Advance(31 * time.Minute)
	if n := e.SweepStale(context.Background(), clock.Now()); n != 1 {
		t.Fatalf("cleared = %d", n)
	}
	snap, _ := e.Get("TT-L2s")
	if snap.State != alarms.StateCleared {
		t.Fatalf("state = %s", snap.State)
	}
	events := store.eventTypes()
	if events[len(events)-1] != alarms.EventCleared {
		t.Fatalf("events = %v", events)
	}
	store.mu.Lock()
	last := store.events[len(store.events)-1]
	store.mu.Unlock()
	if last.Reason != alarms.ReasonStale {
		t.Fatalf("reason = %q, want stale", last.Reason)
	}
}

func TestStaleSweepSkipsFreshSensors(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	feed(t, e, "TT-L2s", 61.0, clock.Now())

	clock.Advance(10 * time.Minute)
	if n := e.SweepStale(context.Background(), clock.Now()); n != 0 {
		t.Fatalf("cleared = %d, want 0 inside the window", n)
	}
}

func TestRestoreReloadsLiveInstances(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	feed(t, e, "TT-L2s", 61.0, clock.Now())
	feed(t, e, "PUMP-A-SPEED", 50.0, clock.Now().Add(time.Second))

	// A new engine over the same store sees the live instances.
	e2 := newTestEngine(t, store, clock, nil)
	if err := e2.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap, err := e2.Get("TT-L2s")
	if err != nil || snap.State != alarms.StateActive {
		t.Fatalf("snap=%+v err=%v", snap, err)
	}

	// Restored causes keep covering: a FLOW crossing is born SUPPRESSED.
	feed(t, e2, "FLOW", 5.0, clock.Now().Add(2*time.Second))
	flow, _ := e2.Get("FLOW")
	if flow.State != alarms.StateSuppressed {
		t.Fatalf("flow state = %s", flow.State)
	}
}

func TestRestoreReleasesStaleSuppression(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "FLOW", 5.0, base)
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(time.Second))

	// The cause was retired in the store but its clear never fanned out,
	// as after a crash between the commit and the cascade hook.
	store.mu.Lock()
	for _, inst := range store.states {
		if inst.SensorID == "PUMP-A-SPEED" {
			inst.State = alarms.StateCleared
		}
	}
	store.mu.Unlock()

	e2 := newTestEngine(t, store, clock, nil)
	if err := e2.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	flow, err := e2.Get("FLOW")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if flow.State != alarms.StateActive {
		t.Fatalf("flow state = %s, want re-raised ACTIVE", flow.State)
	}
	if len(flow.SuppressedBy) != 0 {
		t.Fatalf("suppressed by = %v", flow.SuppressedBy)
	}
}

func TestRestoreKeepsSuppressionForLiveCause(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "FLOW", 5.0, base)
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(time.Second))
	feed(t, e, "PUMP-B-SPEED", 50.0, base.Add(2*time.Second))

	// Only the first cause was retired before the crash.
	store.mu.Lock()
	for _, inst := range store.states {
		if inst.SensorID == "PUMP-A-SPEED" {
			inst.State = alarms.StateCleared
		}
	}
	store.mu.Unlock()

	e2 := newTestEngine(t, store, clock, nil)
	if err := e2.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	flow, _ := e2.Get("FLOW")
	if flow.State != alarms.StateSuppressed {
		t.Fatalf("flow state = %s, want still SUPPRESSED", flow.State)
	}
	if len(flow.SuppressedBy) != 1 || flow.SuppressedBy[0] != "PUMP-B-SPEED" {
		t.Fatalf("suppressed by = %v", flow.SuppressedBy)
	}
}

func TestListAndStats(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	feed(t, e, "TT-L2s", 61.0, base)
	feed(t, e, "FLOW", 5.0, base.Add(time.Second))
	feed(t, e, "PUMP-A-SPEED", 50.0, base.Add(2*time.Second))

	all := e.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("list = %d entries", len(all))
	}
	if all[0].Priority != "P0" {
		t.Fatalf("most urgent first, got %s", all[0].Priority)
	}
	if got := e.List(Filter{State: alarms.StateSuppressed}); len(got) != 1 || got[0].SensorID != "FLOW" {
		t.Fatalf("filtered = %+v", got)
	}
	if got := e.List(Filter{SiteID: "site-1"}); len(got) != 1 || got[0].SensorID != "TT-L2s" {
		t.Fatalf("site filter = %+v", got)
	}

	st, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Standing != 2 || st.Suppressed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.RaisedLastHour != 3 {
		t.Fatalf("raised last hour = %d", st.RaisedLastHour)
	}
	if !st.Compliant {
		t.Fatal("3 raises per hour is within the target of 6")
	}
}

func TestUnknownSensorReadingIgnored(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	err := e.ProcessReading(context.Background(), readings.Reading{
		SensorID: "UNKNOWN", Value: 999, Quality: readings.QualityGood, Timestamp: clock.Now(),
	})
	if err != nil {
		t.Fatalf("unknown sensor must be ignored, got %v", err)
	}
	if len(store.eventTypes()) != 0 {
		t.Fatal("no transitions expected")
	}
}

func TestReloadRulesSwapsAtomically(t *testing.T) {
	store := newStubStore()
	clock := newFakeClock(time.Unix(100_000, 0))
	e := newTestEngine(t, store, clock, nil)
	base := clock.Now()

	set, err := alarms.NewThresholdSet([]alarms.SensorThresholds{{
		SensorID: "TT-L2s",
		Deadband: 0.02,
		Levels:   []alarms.ThresholdDef{{Level: alarms.LevelH, Value: 70, Priority: alarms.PriorityP2}},
	}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if err := e.ReloadRules(set, nil); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// 61.0 exceeded the old H=55 but not the new H=70.
	feed(t, e, "TT-L2s", 61.0, base)
	if _, err := e.Get("TT-L2s"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatal("reading must evaluate against the new rule set")
	}
	feed(t, e, "TT-L2s", 71.0, base.Add(time.Second))
	if snap, _ := e.Get("TT-L2s"); snap.State != alarms.StateActive {
		t.Fatalf("state = %s", snap.State)
	}
}

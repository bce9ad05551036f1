package application

import (
	"time"

	alarms "sitewatch/internal/alarms/domain"
	readings "sitewatch/internal/readings/domain"
)

// Condition is the outcome of evaluating one reading.
type Condition int

const (
	ConditionNone Condition = iota
	ConditionRaise
	ConditionClear
)

// Evaluation carries the qualifying threshold alongside the decision.
type Evaluation struct {
	Condition Condition
	Def       alarms.ThresholdDef
	Value     float64
	At        time.Time
}

// evaluator tracks per-level debounce windows for one sensor. It is not safe
// for concurrent use; the owning slot serializes access.
type evaluator struct {
	cfg           alarms.SensorThresholds
	debounceStart map[alarms.Level]time.Time
}

func newEvaluator(cfg alarms.SensorThresholds) *evaluator {
	return &evaluator{
		cfg:           cfg,
		debounceStart: map[alarms.Level]time.Time{},
	}
}

// Evaluate inspects one reading. While an instance is live, active carries
// its threshold and only the deadband clear test applies; otherwise every
// configured level competes and the most severe debounce-qualified one wins.
// BAD-quality readings never produce a decision. Debounce is measured on
// reading timestamps, and a reading back inside the band restarts the window.
func (e *evaluator) Evaluate(r readings.Reading, active *alarms.ThresholdDef) Evaluation {
	if r.Quality == readings.QualityBad {
		return Evaluation{Condition: ConditionNone}
	}
	if active != nil {
		if active.ClearedBy(r.Value, e.deadband()) {
			e.resetDebounce()
			return Evaluation{Condition: ConditionClear, Def: *active, Value: r.Value, At: r.Timestamp}
		}
		return Evaluation{Condition: ConditionNone}
	}

	var best *alarms.ThresholdDef
	for i := range e.cfg.Levels {
		def := e.cfg.Levels[i]
		if !def.Exceeded(r.Value) {
			delete(e.debounceStart, def.Level)
			continue
		}
		if def.Delay > 0 {
			start, running := e.debounceStart[def.Level]
			if !running {
				e.debounceStart[def.Level] = r.Timestamp
				continue
			}
			if r.Timestamp.Sub(start) < def.Delay {
				continue
			}
		}
		if best == nil || def.Level.Severity() > best.Level.Severity() {
			best = &e.cfg.Levels[i]
		}
	}
	if best == nil {
		return Evaluation{Condition: ConditionNone}
	}
	e.resetDebounce()
	return Evaluation{Condition: ConditionRaise, Def: *best, Value: r.Value, At: r.Timestamp}
}

// StillInAlarm checks the last known value against the configured levels,
// ignoring debounce. Used when a shelve expires or suppression lifts to
// decide whether a fresh instance must be raised.
func (e *evaluator) StillInAlarm(value float64) (alarms.ThresholdDef, bool) {
	var best *alarms.ThresholdDef
	for i := range e.cfg.Levels {
		def := e.cfg.Levels[i]
		if !def.Exceeded(value) {
			continue
		}
		if best == nil || def.Level.Severity() > best.Level.Severity() {
			best = &e.cfg.Levels[i]
		}
	}
	if best == nil {
		return alarms.ThresholdDef{}, false
	}
	return *best, true
}

func (e *evaluator) deadband() float64 {
	if e.cfg.Deadband > 0 {
		return e.cfg.Deadband
	}
	return alarms.DefaultDeadband
}

func (e *evaluator) resetDebounce() {
	for l := range e.debounceStart {
		delete(e.debounceStart, l)
	}
}

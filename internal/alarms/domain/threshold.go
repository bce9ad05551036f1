package alarms

import (
	"fmt"
	"sort"
	"time"
)

// Level identifies a threshold band relative to the normal operating range.
type Level string

const (
	LevelHH Level = "HH"
	LevelH  Level = "H"
	LevelL  Level = "L"
	LevelLL Level = "LL"
)

// Threshold directions.
const (
	DirectionHigh = "HIGH"
	DirectionLow  = "LOW"
)

// DefaultDeadband is the hysteresis fraction applied when a sensor's rules do
// not set one.
const DefaultDeadband = 0.02

// ParseLevel parses "HH", "H", "L" or "LL".
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelHH, LevelH, LevelL, LevelLL:
		return Level(s), nil
	}
	return "", fmt.Errorf("%w: unknown threshold level %q", ErrInvalidArgument, s)
}

// Direction reports which side of normal the level guards.
func (l Level) Direction() string {
	if l == LevelHH || l == LevelH {
		return DirectionHigh
	}
	return DirectionLow
}

// Severity ranks levels for tie-breaking: HH and LL outrank H and L.
func (l Level) Severity() int {
	if l == LevelHH || l == LevelLL {
		return 2
	}
	return 1
}

// ThresholdDef is one configured threshold level on a sensor.
type ThresholdDef struct {
	Level    Level
	Value    float64
	Priority Priority
	Delay    time.Duration
}

// Exceeded reports whether a value is inside the level's alarm band.
func (d ThresholdDef) Exceeded(value float64) bool {
	if d.Level.Direction() == DirectionHigh {
		return value >= d.Value
	}
	return value <= d.Value
}

// ClearPoint returns the hysteresis boundary: the value must travel past the
// trigger by the deadband fraction before the condition counts as cleared.
func (d ThresholdDef) ClearPoint(deadband float64) float64 {
	if d.Level.Direction() == DirectionHigh {
		return d.Value * (1 - deadband)
	}
	return d.Value * (1 + deadband)
}

// ClearedBy reports whether a value has crossed the deadband clear point.
func (d ThresholdDef) ClearedBy(value, deadband float64) bool {
	cp := d.ClearPoint(deadband)
	if d.Level.Direction() == DirectionHigh {
		return value <= cp
	}
	return value >= cp
}

// SensorThresholds is the full alarm configuration of one sensor.
type SensorThresholds struct {
	SensorID  string
	Tag       string
	SiteID    string
	BlockID   string
	Subsystem string

	// Deadband is the hysteresis fraction (0.02 = 2%).
	Deadband float64

	Levels []ThresholdDef
}

// Level returns the definition for a level, if configured.
func (s SensorThresholds) Level(l Level) (ThresholdDef, bool) {
	for _, d := range s.Levels {
		if d.Level == l {
			return d, true
		}
	}
	return ThresholdDef{}, false
}

// Validate checks level ordering and band consistency. HIGH and LOW bands may
// never overlap: every LOW trigger must sit strictly below every HIGH trigger.
func (s SensorThresholds) Validate() error {
	if s.SensorID == "" {
		return fmt.Errorf("%w: sensor id required", ErrInvalidArgument)
	}
	if len(s.Levels) == 0 {
		return fmt.Errorf("%w: sensor %s has no threshold levels", ErrInvalidArgument, s.SensorID)
	}
	if s.Deadband < 0 || s.Deadband >= 1 {
		return fmt.Errorf("%w: sensor %s deadband %v out of range", ErrInvalidArgument, s.SensorID, s.Deadband)
	}
	seen := map[Level]bool{}
	for _, d := range s.Levels {
		if _, err := ParseLevel(string(d.Level)); err != nil {
			return fmt.Errorf("sensor %s: %w", s.SensorID, err)
		}
		if seen[d.Level] {
			return fmt.Errorf("%w: sensor %s level %s defined twice", ErrInvalidArgument, s.SensorID, d.Level)
		}
		seen[d.Level] = true
		if d.Delay < 0 {
			return fmt.Errorf("%w: sensor %s level %s negative delay", ErrInvalidArgument, s.SensorID, d.Level)
		}
	}
	h, hasH := s.Level(LevelH)
	hh, hasHH := s.Level(LevelHH)
	l, hasL := s.Level(LevelL)
	ll, hasLL := s.Level(LevelLL)
	if hasH && hasHH && hh.Value < h.Value {
		return fmt.Errorf("%w: sensor %s HH (%v) below H (%v)", ErrInvalidArgument, s.SensorID, hh.Value, h.Value)
	}
	if hasL && hasLL && ll.Value > l.Value {
		return fmt.Errorf("%w: sensor %s LL (%v) above L (%v)", ErrInvalidArgument, s.SensorID, ll.Value, l.Value)
	}
	for _, low := range s.Levels {
		if low.Level.Direction() != DirectionLow {
			continue
		}
		for _, high := range s.Levels {
			if high.Level.Direction() != DirectionHigh {
				continue
			}
			if low.Value >= high.Value {
				return fmt.Errorf("%w: sensor %s bands overlap (%s=%v, %s=%v)",
					ErrInvalidArgument, s.SensorID, low.Level, low.Value, high.Level, high.Value)
			}
		}
	}
	return nil
}

// ThresholdSet is the validated, immutable threshold configuration for all
// sensors. The engine swaps whole sets atomically on reload.
type ThresholdSet struct {
	sensors map[string]SensorThresholds
}

// NewThresholdSet validates every sensor's configuration and builds the set.
func NewThresholdSet(list []SensorThresholds) (*ThresholdSet, error) {
	sensors := make(map[string]SensorThresholds, len(list))
	for _, s := range list {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := sensors[s.SensorID]; dup {
			return nil, fmt.Errorf("%w: sensor %s configured twice", ErrInvalidArgument, s.SensorID)
		}
		sort.SliceStable(s.Levels, func(i, j int) bool {
			return s.Levels[i].Level.Severity() > s.Levels[j].Level.Severity()
		})
		sensors[s.SensorID] = s
	}
	return &ThresholdSet{sensors: sensors}, nil
}

// Get returns the configuration for a sensor.
func (t *ThresholdSet) Get(sensorID string) (SensorThresholds, bool) {
	s, ok := t.sensors[sensorID]
	return s, ok
}

// SensorIDs lists the configured sensors in stable order.
func (t *ThresholdSet) SensorIDs() []string {
	ids := make([]string, 0, len(t.sensors))
	for id := range t.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of configured sensors.
func (t *ThresholdSet) Len() int {
	return len(t.sensors)
}

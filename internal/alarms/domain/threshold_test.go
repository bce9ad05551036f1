package alarms

import (
	"errors"
	"testing"
	"time"
)

func TestThresholdExceeded(t *testing.T) {
	high := ThresholdDef{Level: LevelH, Value: 55}
	if !high.Exceeded(55) || !high.Exceeded(56.1) {
		t.Fatal("HIGH band is inclusive of the trigger")
	}
	if high.Exceeded(54.9) {
		t.Fatal("below trigger must not exceed")
	}

	low := ThresholdDef{Level: LevelLL, Value: 10}
	if !low.Exceeded(10) || !low.Exceeded(9.5) {
		t.Fatal("LOW band is inclusive of the trigger")
	}
	if low.Exceeded(10.1) {
		t.Fatal("above trigger must not exceed")
	}
}

func TestDeadbandClearPoints(t *testing.T) {
	high := ThresholdDef{Level: LevelH, Value: 55}
	// 55 * 0.98 = 53.9
	if cp := high.ClearPoint(0.02); cp != 55*0.98 {
		t.Fatalf("clear point = %v", cp)
	}
	if high.ClearedBy(54.0, 0.02) {
		t.Fatal("54.0 is inside the deadband, must not clear")
	}
	if !high.ClearedBy(53.5, 0.02) {
		t.Fatal("53.5 is past the clear point, must clear")
	}

	low := ThresholdDef{Level: LevelL, Value: 10}
	// 10 * 1.02 = 10.2
	if low.ClearedBy(10.1, 0.02) {
		t.Fatal("10.1 is inside the deadband, must not clear")
	}
	if !low.ClearedBy(10.3, 0.02) {
		t.Fatal("10.3 is past the clear point, must clear")
	}
}

func TestLevelSeverityAndDirection(t *testing.T) {
	if LevelHH.Severity() <= LevelH.Severity() {
		t.Fatal("HH must outrank H")
	}
	if LevelLL.Severity() <= LevelL.Severity() {
		t.Fatal("LL must outrank L")
	}
	if LevelHH.Direction() != DirectionHigh || LevelL.Direction() != DirectionLow {
		t.Fatal("level directions wrong")
	}
}

func TestValidateRejectsOverlappingBands(t *testing.T) {
	cfg := SensorThresholds{
		SensorID: "PT-1",
		Levels: []ThresholdDef{
			{Level: LevelH, Value: 40, Priority: PriorityP2},
			{Level: LevelL, Value: 45, Priority: PriorityP2},
		},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestValidateRejectsBadOrdering(t *testing.T) {
	cfg := SensorThresholds{
		SensorID: "PT-1",
		Levels: []ThresholdDef{
			{Level: LevelH, Value: 60, Priority: PriorityP2},
			{Level: LevelHH, Value: 55, Priority: PriorityP0},
		},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("HH below H: err = %v", err)
	}

	cfg = SensorThresholds{
		SensorID: "PT-1",
		Levels: []ThresholdDef{
			{Level: LevelL, Value: 10, Priority: PriorityP2},
			{Level: LevelLL, Value: 12, Priority: PriorityP0},
		},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("LL above L: err = %v", err)
	}
}

func TestValidateRejectsDuplicateLevelAndBadDeadband(t *testing.T) {
	cfg := SensorThresholds{
		SensorID: "PT-1",
		Levels: []ThresholdDef{
			{Level: LevelH, Value: 40},
			{Level: LevelH, Value: 42},
		},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate level: err = %v", err)
	}

	cfg = SensorThresholds{
		SensorID: "PT-1",
		Deadband: 1.5,
		Levels:   []ThresholdDef{{Level: LevelH, Value: 40}},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("deadband: err = %v", err)
	}
}

func TestNewThresholdSetSortsBySeverity(t *testing.T) {
	set, err := NewThresholdSet([]SensorThresholds{{
		SensorID: "TT-1",
		Levels: []ThresholdDef{
			{Level: LevelH, Value: 55, Priority: PriorityP2, Delay: 30 * time.Second},
			{Level: LevelHH, Value: 60, Priority: PriorityP0},
		},
	}})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	cfg, ok := set.Get("TT-1")
	if !ok {
		t.Fatal("sensor missing")
	}
	if cfg.Levels[0].Level != LevelHH {
		t.Fatalf("levels not ordered by severity: %v", cfg.Levels)
	}
	if _, ok := set.Get("TT-unknown"); ok {
		t.Fatal("unknown sensor must not resolve")
	}
}

func TestNewThresholdSetRejectsDuplicateSensor(t *testing.T) {
	_, err := NewThresholdSet([]SensorThresholds{
		{SensorID: "TT-1", Levels: []ThresholdDef{{Level: LevelH, Value: 55}}},
		{SensorID: "TT-1", Levels: []ThresholdDef{{Level: LevelH, Value: 56}}},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestCascadeTable(t *testing.T) {
	table, err := NewCascadeTable([]CascadeRule{
		{Cause: "PUMP-A-SPEED", Effects: []string{"FLOW-1", "PRESS-1"}},
		{Cause: "PUMP-B-SPEED", Effects: []string{"FLOW-1"}},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if got := table.EffectsOf("PUMP-A-SPEED"); len(got) != 2 {
		t.Fatalf("effects = %v", got)
	}
	if got := table.CausesOf("FLOW-1"); len(got) != 2 {
		t.Fatalf("causes = %v", got)
	}
	if table.IsCause("FLOW-1") {
		t.Fatal("FLOW-1 is not a cause")
	}
}

func TestCascadeTableRejectsSelfAndCycles(t *testing.T) {
	_, err := NewCascadeTable([]CascadeRule{{Cause: "A", Effects: []string{"A"}}})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self: err = %v", err)
	}

	_, err = NewCascadeTable([]CascadeRule{
		{Cause: "A", Effects: []string{"B"}},
		{Cause: "B", Effects: []string{"C"}},
		{Cause: "C", Effects: []string{"A"}},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("cycle: err = %v", err)
	}
}

package config

import (
	"errors"
	"testing"
	"time"

	alarms "sitewatch/internal/alarms/domain"
)

const sampleRules = `
default_deadband: 0.03
sensors:
  - sensor_id: TT-L2s
    tag: outlet temperature
    site_id: site-1
    block_id: block-a
    subsystem: cooling
    thresholds:
      - level: HH
        value: 60
        priority: P0
      - level: H
        value: 55
        priority: P2
        delay_seconds: 30
  - sensor_id: FLOW-1
    site_id: site-1
    deadband: 0.05
    thresholds:
      - level: L
        value: 10
        priority: P2
cascade:
  - cause: PUMP-A-SPEED
    effects: [FLOW-1]
    description: pump stop starves downstream flow
`

func TestParseRules(t *testing.T) {
	set, table, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("sensors = %d", set.Len())
	}

	tt, ok := set.Get("TT-L2s")
	if !ok {
		t.Fatal("TT-L2s missing")
	}
	if tt.Deadband != 0.03 {
		t.Fatalf("default deadband not applied: %v", tt.Deadband)
	}
	h, ok := tt.Level(alarms.LevelH)
	if !ok {
		t.Fatal("H level missing")
	}
	if h.Delay != 30*time.Second {
		t.Fatalf("delay = %v", h.Delay)
	}
	if h.Priority != alarms.PriorityP2 {
		t.Fatalf("priority = %v", h.Priority)
	}

	flow, _ := set.Get("FLOW-1")
	if flow.Deadband != 0.05 {
		t.Fatalf("per-sensor deadband not kept: %v", flow.Deadband)
	}

	if effects := table.EffectsOf("PUMP-A-SPEED"); len(effects) != 1 || effects[0] != "FLOW-1" {
		t.Fatalf("effects = %v", effects)
	}
}

func TestParseRulesRejectsOverlappingBands(t *testing.T) {
	bad := `
sensors:
  - sensor_id: BAD
    thresholds:
      - level: H
        value: 40
        priority: P2
      - level: L
        value: 50
        priority: P2
`
	_, _, err := ParseRules([]byte(bad))
	if !errors.Is(err, alarms.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestParseRulesRejectsUnknownPriority(t *testing.T) {
	bad := `
sensors:
  - sensor_id: BAD
    thresholds:
      - level: H
        value: 40
        priority: P9
`
	_, _, err := ParseRules([]byte(bad))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseRulesRejectsCascadeCycle(t *testing.T) {
	bad := `
sensors:
  - sensor_id: A
    thresholds:
      - level: H
        value: 40
        priority: P2
cascade:
  - cause: A
    effects: [B]
  - cause: B
    effects: [A]
`
	_, _, err := ParseRules([]byte(bad))
	if !errors.Is(err, alarms.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

package alarms

import (
	"fmt"
	"sort"
)

// CascadeRule declares that an alarm on Cause makes alarms on Effects
// symptomatic and therefore suppressible.
type CascadeRule struct {
	Cause       string
	Effects     []string
	Description string
}

// CascadeTable is the validated cause -> effects adjacency. Like the
// threshold set it is immutable and swapped whole on reload.
type CascadeTable struct {
	effects map[string][]string
	causes  map[string][]string
}

// NewCascadeTable builds and validates the adjacency. Self-suppression and
// cycles are rejected: cascade fan-out locks effect slots while holding the
// cause slot, which is only safe on an acyclic graph.
func NewCascadeTable(rules []CascadeRule) (*CascadeTable, error) {
	effects := map[string][]string{}
	causes := map[string][]string{}
	for _, r := range rules {
		if r.Cause == "" {
			return nil, fmt.Errorf("%w: cascade rule without cause", ErrInvalidArgument)
		}
		for _, e := range r.Effects {
			if e == "" {
				return nil, fmt.Errorf("%w: cascade rule %s has empty effect", ErrInvalidArgument, r.Cause)
			}
			if e == r.Cause {
				return nil, fmt.Errorf("%w: cascade rule %s suppresses itself", ErrInvalidArgument, r.Cause)
			}
			if !contains(effects[r.Cause], e) {
				effects[r.Cause] = append(effects[r.Cause], e)
				causes[e] = append(causes[e], r.Cause)
			}
		}
	}
	for c := range effects {
		sort.Strings(effects[c])
	}
	for e := range causes {
		sort.Strings(causes[e])
	}
	t := &CascadeTable{effects: effects, causes: causes}
	if cycle := t.findCycle(); cycle != "" {
		return nil, fmt.Errorf("%w: cascade rules form a cycle through %s", ErrInvalidArgument, cycle)
	}
	return t, nil
}

// EffectsOf lists the sensors suppressed while cause is alarming.
func (t *CascadeTable) EffectsOf(cause string) []string {
	return t.effects[cause]
}

// CausesOf lists the sensors whose alarms suppress effect.
func (t *CascadeTable) CausesOf(effect string) []string {
	return t.causes[effect]
}

// IsCause reports whether the sensor appears as a cascade cause.
func (t *CascadeTable) IsCause(sensorID string) bool {
	_, ok := t.effects[sensorID]
	return ok
}

func (t *CascadeTable) findCycle() string {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(string) string
	visit = func(n string) string {
		state[n] = visiting
		for _, next := range t.effects[n] {
			switch state[next] {
			case visiting:
				return next
			case done:
			default:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		state[n] = done
		return ""
	}
	for c := range t.effects {
		if state[c] == 0 {
			if hit := visit(c); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	alarms "sitewatch/internal/alarms/domain"
)

// RulesFile is the YAML shape of the alarm-rules file.
type RulesFile struct {
	// DefaultDeadband applies to sensors that do not set their own.
	DefaultDeadband float64        `yaml:"default_deadband"`
	Sensors         []SensorRules  `yaml:"sensors"`
	Cascade         []CascadeRules `yaml:"cascade"`
}

// SensorRules configures one sensor's thresholds.
type SensorRules struct {
	SensorID   string          `yaml:"sensor_id"`
	Tag        string          `yaml:"tag"`
	SiteID     string          `yaml:"site_id"`
	BlockID    string          `yaml:"block_id"`
	Subsystem  string          `yaml:"subsystem"`
	Deadband   float64         `yaml:"deadband"`
	Thresholds []ThresholdRule `yaml:"thresholds"`
}

// ThresholdRule configures one threshold level.
type ThresholdRule struct {
	Level        string  `yaml:"level"`
	Value        float64 `yaml:"value"`
	Priority     string  `yaml:"priority"`
	DelaySeconds int     `yaml:"delay_seconds"`
}

// CascadeRules declares one cause and the sensors it suppresses.
type CascadeRules struct {
	Cause       string   `yaml:"cause"`
	Effects     []string `yaml:"effects"`
	Description string   `yaml:"description"`
}

// LoadRules reads and validates the alarm-rules file.
func LoadRules(path string) (*alarms.ThresholdSet, *alarms.CascadeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses rules YAML into the validated threshold set and cascade
// table. Any validation failure rejects the whole file.
func ParseRules(data []byte) (*alarms.ThresholdSet, *alarms.CascadeTable, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("rules: parse: %w", err)
	}
	if file.DefaultDeadband == 0 {
		file.DefaultDeadband = alarms.DefaultDeadband
	}

	sensors := make([]alarms.SensorThresholds, 0, len(file.Sensors))
	for _, s := range file.Sensors {
		deadband := s.Deadband
		if deadband == 0 {
			deadband = file.DefaultDeadband
		}
		levels := make([]alarms.ThresholdDef, 0, len(s.Thresholds))
		for _, t := range s.Thresholds {
			level, err := alarms.ParseLevel(t.Level)
			if err != nil {
				return nil, nil, fmt.Errorf("rules: sensor %s: %w", s.SensorID, err)
			}
			priority, err := alarms.ParsePriority(t.Priority)
			if err != nil {
				return nil, nil, fmt.Errorf("rules: sensor %s level %s: %w", s.SensorID, t.Level, err)
			}
			levels = append(levels, alarms.ThresholdDef{
				Level:    level,
				Value:    t.Value,
				Priority: priority,
				Delay:    time.Duration(t.DelaySeconds) * time.Second,
			})
		}
		sensors = append(sensors, alarms.SensorThresholds{
			SensorID:  s.SensorID,
			Tag:       s.Tag,
			SiteID:    s.SiteID,
			BlockID:   s.BlockID,
			Subsystem: s.Subsystem,
			Deadband:  deadband,
			Levels:    levels,
		})
	}
	set, err := alarms.NewThresholdSet(sensors)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: %w", err)
	}

	rules := make([]alarms.CascadeRule, 0, len(file.Cascade))
	for _, c := range file.Cascade {
		rules = append(rules, alarms.CascadeRule{
			Cause:       c.Cause,
			Effects:     c.Effects,
			Description: c.Description,
		})
	}
	table, err := alarms.NewCascadeTable(rules)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: %w", err)
	}
	return set, table, nil
}

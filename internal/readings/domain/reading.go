package readings

import (
	"errors"
	"strings"
	"time"
)

// Quality flags carried by sensor readings.
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityUncertain Quality = "UNCERTAIN"
	QualityBad       Quality = "BAD"
)

var ErrInvalidReading = errors.New("readings: invalid reading")

// ParseQuality parses a quality flag case-insensitively.
func ParseQuality(s string) (Quality, bool) {
	switch Quality(strings.ToUpper(strings.TrimSpace(s))) {
	case QualityGood:
		return QualityGood, true
	case QualityUncertain:
		return QualityUncertain, true
	case QualityBad:
		return QualityBad, true
	}
	return "", false
}

// Reading is one timestamped sensor sample.
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the minimum shape required for evaluation.
func (r Reading) Validate() error {
	if r.SensorID == "" {
		return errors.New("readings: sensor id required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("readings: timestamp required")
	}
	if _, ok := ParseQuality(string(r.Quality)); !ok {
		return errors.New("readings: unknown quality flag")
	}
	return nil
}

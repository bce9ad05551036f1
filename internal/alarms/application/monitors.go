package application

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"sitewatch/internal/observability/metrics"
)

// Monitors runs the engine's background loops: shelve expiry, stale
// detection and the periodic compliance summary.
type Monitors struct {
	engine *Engine
	log    logrus.FieldLogger
}

// NewMonitors wires the loops to an engine.
func NewMonitors(engine *Engine, log logrus.FieldLogger) *Monitors {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitors{engine: engine, log: log}
}

// Start launches the loops. They stop when ctx is cancelled.
func (m *Monitors) Start(ctx context.Context) {
	t := m.engine.EffectiveTuning()
	go m.loop(ctx, t.ShelveSweepInterval, m.sweepShelves)
	go m.loop(ctx, t.StaleSweepInterval, m.sweepStale)
	go m.loop(ctx, t.ComplianceInterval, m.logCompliance)
}

func (m *Monitors) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (m *Monitors) sweepShelves(ctx context.Context) {
	if n := m.engine.SweepShelves(ctx, m.engine.clock.Now()); n > 0 {
		m.log.WithField("expired", n).Info("shelves expired")
	}
}

func (m *Monitors) sweepStale(ctx context.Context) {
	if n := m.engine.SweepStale(ctx, m.engine.clock.Now()); n > 0 {
		m.log.WithField("cleared", n).Warn("stale sensors cleared")
	}
}

func (m *Monitors) logCompliance(ctx context.Context) {
	st, err := m.engine.Stats(ctx)
	if err != nil {
		m.log.WithError(err).Warn("compliance stats unavailable")
		return
	}
	metrics.SetAlarmGauges(st.Standing, st.Shelved, st.Suppressed)
	entry := m.log.WithFields(logrus.Fields{
		"standing":         st.Standing,
		"acked":            st.Acked,
		"shelved":          st.Shelved,
		"suppressed":       st.Suppressed,
		"raised_last_hour": st.RaisedLastHour,
		"avg_ack_s_24h":    st.AvgAckSeconds24h,
		"target_per_hour":  st.TargetPerHour,
	})
	if st.RaisedLastHour > 2*st.TargetPerHour {
		entry.Warn("alarm rate above twice the ISA-18.2 target")
		return
	}
	entry.Info("alarm compliance")
}

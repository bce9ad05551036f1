package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "sitewatch_"

var (
	registerOnce sync.Once

	readingsTotal     *prometheus.CounterVec
	readingsDiscarded *prometheus.CounterVec
	consumerLag       prometheus.Gauge

	transitionsTotal *prometheus.CounterVec
	standingAlarms   prometheus.Gauge
	shelvedAlarms    prometheus.Gauge
	suppressedAlarms prometheus.Gauge
	ackLatency       prometheus.Histogram

	persistRetries  prometheus.Counter
	publishFailures prometheus.Counter
	outboxPending   prometheus.Gauge

	reportExportTotal *prometheus.CounterVec
)

// Init registers engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Total readings consumed by quality flag",
			},
			[]string{"quality"},
		)
		readingsDiscarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_discarded_total",
				Help: "Total readings discarded by reason",
			},
			[]string{"reason"},
		)
		consumerLag = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "reading_consumer_lag_seconds",
				Help: "Age of the newest consumed reading in seconds",
			},
		)

		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_transitions_total",
				Help: "Total alarm lifecycle transitions by event type",
			},
			[]string{"event"},
		)
		standingAlarms = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "standing_alarms",
				Help: "Alarms currently ACTIVE or RTN_UNACK",
			},
		)
		shelvedAlarms = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "shelved_alarms",
				Help: "Alarms currently SHELVED",
			},
		)
		suppressedAlarms = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "suppressed_alarms",
				Help: "Alarms currently SUPPRESSED by a cascade cause",
			},
		)
		ackLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ack_latency_seconds",
				Help:    "Time from raise to operator acknowledgement in seconds",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 28800},
			},
		)

		persistRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "persist_retries_total",
				Help: "Total retried transition persistence attempts",
			},
		)
		publishFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_failures_total",
				Help: "Total lifecycle publish failures degraded to buffering",
			},
		)
		outboxPending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "outbox_pending_events",
				Help: "Lifecycle events buffered in the outbox awaiting dispatch",
			},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Total compliance report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			readingsTotal,
			readingsDiscarded,
			consumerLag,
			transitionsTotal,
			standingAlarms,
			shelvedAlarms,
			suppressedAlarms,
			ackLatency,
			persistRetries,
			publishFailures,
			outboxPending,
			reportExportTotal,
		)
	})
}

// RegisterDBStats exposes connection pool gauges for the given database.
func RegisterDBStats(db *sql.DB) {
	if db == nil {
		return
	}
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open connections in the database pool",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_in_use_connections",
			Help: "In-use connections in the database pool",
		},
		func() float64 { return float64(db.Stats().InUse) },
	))
}

// IncReading counts one consumed reading.
func IncReading(quality string) {
	if quality == "" {
		quality = "unknown"
	}
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(quality).Inc()
	}
}

// IncDiscarded counts one discarded reading.
func IncDiscarded(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if readingsDiscarded != nil {
		readingsDiscarded.WithLabelValues(reason).Inc()
	}
}

// ObserveConsumerLag sets the reading consumer lag.
func ObserveConsumerLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.Set(lag.Seconds())
	}
}

// IncTransition counts one committed lifecycle transition.
func IncTransition(event string) {
	if event == "" {
		event = "unknown"
	}
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(event).Inc()
	}
}

// SetAlarmGauges updates the standing/shelved/suppressed gauges.
func SetAlarmGauges(standing, shelved, suppressed int) {
	if standingAlarms != nil {
		standingAlarms.Set(float64(standing))
	}
	if shelvedAlarms != nil {
		shelvedAlarms.Set(float64(shelved))
	}
	if suppressedAlarms != nil {
		suppressedAlarms.Set(float64(suppressed))
	}
}

// ObserveAckLatency records time from raise to acknowledgement.
func ObserveAckLatency(d time.Duration) {
	if d < 0 {
		return
	}
	if ackLatency != nil {
		ackLatency.Observe(d.Seconds())
	}
}

// IncPersistRetry counts one retried persistence attempt.
func IncPersistRetry() {
	if persistRetries != nil {
		persistRetries.Inc()
	}
}

// IncPublishFailure counts one publish failure.
func IncPublishFailure() {
	if publishFailures != nil {
		publishFailures.Inc()
	}
}

// SetOutboxPending updates the buffered-event gauge.
func SetOutboxPending(n int) {
	if outboxPending != nil {
		outboxPending.Set(float64(n))
	}
}

// ObserveReportExport counts one compliance report export.
func ObserveReportExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = "success"
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
}

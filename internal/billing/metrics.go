package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the metering core.
type Metrics struct {
	usageRecords     *prometheus.CounterVec
	recordedMinutes  *prometheus.CounterVec
	storageConflicts prometheus.Counter
	limitChecks      *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	alertSkips       *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg creates an
// unregistered set, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		usageRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_usage_records_total",
				Help: "Usage events processed, by result",
			},
			[]string{"result"},
		),
		recordedMinutes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_recorded_minutes_total",
				Help: "Minutes recorded, by included or overage portion",
			},
			[]string{"portion"},
		),
		storageConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "callmeter_storage_conflicts_total",
				Help: "Period version conflicts seen while recording usage",
			},
		),
		limitChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_limit_checks_total",
				Help: "Limit checks, by decision",
			},
			[]string{"decision"},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_alerts_total",
				Help: "Alerts created, by severity",
			},
			[]string{"severity"},
		),
		alertSkips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_alert_skips_total",
				Help: "Alert dispatches skipped, by reason",
			},
			[]string{"reason"},
		),
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_alert_deliveries_total",
				Help: "Alert channel deliveries, by channel and result",
			},
			[]string{"channel", "result"},
		),
		deliveryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callmeter_alert_delivery_duration_seconds",
				Help:    "Alert channel delivery latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
}

func (m *Metrics) recordUsage(result string) {
	m.usageRecords.WithLabelValues(result).Inc()
}

func (m *Metrics) recordMinutes(included, overage int64) {
	if included > 0 {
		m.recordedMinutes.WithLabelValues("included").Add(float64(included) / 60)
	}
	if overage > 0 {
		m.recordedMinutes.WithLabelValues("overage").Add(float64(overage) / 60)
	}
}

func (m *Metrics) recordDelivery(channel string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(seconds)
}

package ledgerstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricStoreRetriesTotal  = "ledger_store_retries_total"
	MetricStoreFailuresTotal = "ledger_store_failures_total"
	MetricStoreDegraded      = "ledger_store_degraded"
)

// Metrics contains Prometheus metrics for the store wrappers.
// It implements RetryMetrics and DegradedMetrics.
type Metrics struct {
	retries  *prometheus.CounterVec
	failures *prometheus.CounterVec
	degraded prometheus.Gauge
}

// NewMetrics creates unregistered store metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStoreRetriesTotal,
				Help: "Total number of retried ledger store operations by operation",
			},
			[]string{"operation"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStoreFailuresTotal,
				Help: "Total number of ledger store operations that failed after exhausting retries",
			},
			[]string{"operation"},
		),
		degraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricStoreDegraded,
				Help: "1 while the ledger store serves cached reads only, 0 otherwise",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRetries implements RetryMetrics.
func (m *Metrics) IncRetries(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

// IncFailures implements RetryMetrics.
func (m *Metrics) IncFailures(operation string) {
	m.failures.WithLabelValues(operation).Inc()
}

// SetDegraded implements DegradedMetrics.
func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.retries, m.failures, m.degraded}
}

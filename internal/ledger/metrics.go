package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricTransitionsTotal       = "ledger_transitions_total"
	MetricPOSChecksTotal         = "ledger_pos_checks_total"
	MetricLockWaitSeconds        = "ledger_unit_lock_wait_seconds"
	MetricIntegrityFailuresTotal = "ledger_integrity_failures_total"
	MetricUnitsCreatedTotal      = "ledger_units_created_total"
)

// Transition outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics contains Prometheus metrics for ledger operations.
// All operations are thread-safe.
type Metrics struct {
	transitions       *prometheus.CounterVec
	posChecks         *prometheus.CounterVec
	lockWait          prometheus.Histogram
	integrityFailures prometheus.Counter
	unitsCreated      prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransitionsTotal,
				Help: "Total number of requested unit transitions by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		posChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPOSChecksTotal,
				Help: "Total number of point-of-sale checks by verdict",
			},
			[]string{"verdict"},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricLockWaitSeconds,
				Help:    "Time spent waiting for a unit's critical section",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		integrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricIntegrityFailuresTotal,
				Help: "Total number of unit traces that failed hash chain verification",
			},
		),
		unitsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricUnitsCreatedTotal,
				Help: "Total number of tracked units created",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncTransition counts one requested transition.
func (m *Metrics) IncTransition(kind, outcome string) {
	m.transitions.WithLabelValues(kind, outcome).Inc()
}

// IncPOSCheck counts one point-of-sale verdict.
func (m *Metrics) IncPOSCheck(verdict string) {
	m.posChecks.WithLabelValues(verdict).Inc()
}

// ObserveLockWait records time spent acquiring a unit lock.
func (m *Metrics) ObserveLockWait(seconds float64) {
	m.lockWait.Observe(seconds)
}

// IncIntegrityFailures counts one failed chain verification.
func (m *Metrics) IncIntegrityFailures() {
	m.integrityFailures.Inc()
}

// IncUnitsCreated counts one created unit.
func (m *Metrics) IncUnitsCreated() {
	m.unitsCreated.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.posChecks,
		m.lockWait,
		m.integrityFailures,
		m.unitsCreated,
	}
}

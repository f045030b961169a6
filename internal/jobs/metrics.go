// Package jobs records how the ledger's background work performs.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobsTotal      = "custody_jobs_total"
	MetricJobDuration    = "custody_job_duration_seconds"
	MetricJobErrorsTotal = "custody_job_errors_total"
)

// Job types used as the job_type label.
const (
	JobTypeIntegritySweep   = "integrity_sweep"
	JobTypeIdempotencyPurge = "idempotency_purge"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter receives job outcomes. *Metrics implements it; tests supply fakes.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Report records one run of jobType. The run counts as a failure when any
// errorTypes are given, each of which is also counted. r may be nil.
func Report(r Reporter, jobType string, took time.Duration, errorTypes ...string) {
	if r == nil {
		return
	}
	status := StatusSuccess
	for _, et := range errorTypes {
		status = StatusFailure
		r.IncJobErrors(jobType, et)
	}
	r.IncJobsTotal(jobType, status)
	r.ObserveJobDuration(jobType, took.Seconds())
}

// Metrics is the Prometheus Reporter.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewMetrics builds unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobsTotal,
			Help: "Background job runs by job type and outcome.",
		}, []string{"job_type", "status"}),
		// Sweeps over a large ledger take minutes.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobDuration,
			Help:    "Background job run time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"job_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobErrorsTotal,
			Help: "Background job errors by job type and cause.",
		}, []string{"job_type", "error_type"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.errors}
}

func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.runs.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.duration.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.errors.WithLabelValues(jobType, errorType).Inc()
}

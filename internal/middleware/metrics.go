package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP layer.
const (
	MetricRateLimitRequests     = "custody_rate_limit_checks_total"
	MetricRateLimitBlocked      = "custody_rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "custody_rate_limit_store_errors_total"
	MetricHTTPRequestDuration   = "custody_http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "custody_http_requests_total"
	MetricHTTPRequestSizeBytes  = "custody_http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "custody_http_response_size_bytes"
	MetricHTTPInFlight          = "custody_http_requests_in_flight"
)

// sizeBuckets spans a bare POS scan body up to a large trace export.
var sizeBuckets = prometheus.ExponentialBuckets(64, 4, 9)

// Metrics holds the HTTP and rate limiting collectors.
type Metrics struct {
	rateLimitChecks     *prometheus.CounterVec
	rateLimitBlocked    *prometheus.CounterVec
	rateLimitStoreError prometheus.Counter
	requestDuration     *prometheus.HistogramVec
	requestsTotal       *prometheus.CounterVec
	requestSize         *prometheus.HistogramVec
	responseSize        *prometheus.HistogramVec
	inFlight            prometheus.Gauge
}

// NewMetrics builds unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	labels := []string{"method", "route", "status"}
	return &Metrics{
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Rate limit checks by route and key type (scanner, principal, ip)",
		}, []string{"route", "key_type"}),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests rejected with 429 by route and key type",
		}, []string{"route", "key_type"}),
		rateLimitStoreError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Rate limit store failures that let the request through",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, labels),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests by route and status",
		}, labels),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "Declared request body size",
			Buckets: sizeBuckets,
		}, labels),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "Bytes written in the response body",
			Buckets: sizeBuckets,
		}, labels),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHTTPInFlight,
			Help: "Requests currently being served",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check.
func (m *Metrics) IncRateLimitRequests(route, keyType string) {
	m.rateLimitChecks.WithLabelValues(route, keyType).Inc()
}

// IncRateLimitBlocked counts a rejected request.
func (m *Metrics) IncRateLimitBlocked(route, keyType string) {
	m.rateLimitBlocked.WithLabelValues(route, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open event.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitStoreError.Inc()
}

// ObserveHTTPRequest records one finished request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, seconds float64, requestSize, responseSize int64) {
	l := prometheus.Labels{"method": method, "route": route, "status": status}
	m.requestDuration.With(l).Observe(seconds)
	m.requestsTotal.With(l).Inc()
	m.requestSize.With(l).Observe(float64(requestSize))
	m.responseSize.With(l).Observe(float64(responseSize))
}

func (m *Metrics) trackInFlight() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Collectors returns every collector, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitChecks,
		m.rateLimitBlocked,
		m.rateLimitStoreError,
		m.requestDuration,
		m.requestsTotal,
		m.requestSize,
		m.responseSize,
		m.inFlight,
	}
}

package stream

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricSubscribers     = "custody_stream_subscribers"
	MetricMessagesSent    = "custody_stream_messages_sent_total"
	MetricMessagesDropped = "custody_stream_messages_dropped_total"
	MetricWriteErrors     = "custody_stream_write_errors_total"
)

// Metrics tracks live trace-event subscribers. A nil *Metrics records nothing.
type Metrics struct {
	subscribers prometheus.Gauge
	sent        prometheus.Counter
	dropped     prometheus.Counter
	writeErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSubscribers,
			Help: "Connected trace-event stream subscribers.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricMessagesSent,
			Help: "Trace events written to subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricMessagesDropped,
			Help: "Trace events skipped because a subscriber's buffer was full.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWriteErrors,
			Help: "Subscribers disconnected after a failed websocket write.",
		}),
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
	return []prometheus.Collector{m.subscribers, m.sent, m.dropped, m.writeErrors}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) IncMessagesSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) IncMessagesDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) IncWriteErrors() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

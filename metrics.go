package quecho

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects connection and request statistics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	connectionsSeen *prometheus.CounterVec
	streams         prometheus.Gauge
	requests        *prometheus.CounterVec
	duration        prometheus.Histogram
	requestBytes    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quecho",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Currently open connections.",
		}),
		connectionsSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quecho",
				Subsystem: "server",
				Name:      "connections_closed_total",
				Help:      "Closed connections by outcome.",
			},
			[]string{"result"},
		),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quecho",
			Subsystem: "server",
			Name:      "streams_in_flight",
			Help:      "Streams currently being handled.",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quecho",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Handled streams by result.",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quecho",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from stream accept to finished response.",
			Buckets:   prometheus.DefBuckets,
		}),
		requestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quecho",
			Subsystem: "server",
			Name:      "request_bytes",
			Help:      "Size of received requests.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		}),
	}

	reg.MustRegister(m.connections, m.connectionsSeen, m.streams, m.requests, m.duration, m.requestBytes)

	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed(err error) {
	if m == nil {
		return
	}
	m.connections.Dec()

	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connectionsSeen.WithLabelValues(result).Inc()
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *Metrics) streamFinished(err error, size int, d time.Duration) {
	if m == nil {
		return
	}
	m.streams.Dec()
	m.requests.WithLabelValues(resultLabel(err)).Inc()
	m.duration.Observe(d.Seconds())
	if size >= 0 {
		m.requestBytes.Observe(float64(size))
	}
}

func (m *Metrics) streamRejected() {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(StreamErrorCodeBusy.String()).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWrite):
		return "write"
	default:
		return codeForError(err).String()
	}
}

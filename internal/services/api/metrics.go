package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the query service. A nil *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	stored      prometheus.Counter
	sideEffects *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eload",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eload",
			Subsystem: "api",
			Name:      "request_seconds",
			Help:      "HTTP request duration by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eload",
			Subsystem: "api",
			Name:      "measurements_stored_total",
			Help:      "Measurements appended to the store.",
		}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eload",
			Subsystem: "api",
			Name:      "side_channel_failures_total",
			Help:      "Failed cache, influx or mqtt updates after an append.",
		}, []string{"target"}),
	}
	reg.MustRegister(m.requests, m.latency, m.stored, m.sideEffects)
	return m
}

func (m *Metrics) request(route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) storedOne() {
	if m != nil {
		m.stored.Inc()
	}
}

func (m *Metrics) sideEffectFailed(target string) {
	if m != nil {
		m.sideEffects.WithLabelValues(target).Inc()
	}
}

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the ingest loop. A nil *Metrics records nothing.
type Metrics struct {
	lines    *prometheus.CounterVec
	forwards *prometheus.CounterVec
	latency  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eload",
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Serial lines read, by outcome (parsed, rejected, read_error).",
		}, []string{"result"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eload",
			Subsystem: "ingest",
			Name:      "forwards_total",
			Help:      "Measurements sent to the ingest endpoint, by outcome (ok, failed, dropped).",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eload",
			Subsystem: "ingest",
			Name:      "forward_seconds",
			Help:      "Duration of forward attempts that reached the endpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.lines, m.forwards, m.latency)
	return m
}

func (m *Metrics) line(result string) {
	if m != nil {
		m.lines.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) forward(result string, seconds float64) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(result).Inc()
	if result != resultDropped {
		m.latency.Observe(seconds)
	}
}

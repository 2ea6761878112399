// Package metrics exposes the cart store's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricMutationsTotal       = "cart_mutations_total"
	MetricPersistFailuresTotal = "cart_persist_failures_total"
	MetricDriftDetectedTotal   = "cart_drift_detected_total"
	MetricOpenSessions         = "cart_open_sessions"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	mutations       *prometheus.CounterVec
	persistFailures prometheus.Counter
	driftDetected   prometheus.Counter
	openSessions    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMutationsTotal,
			Help: "Cart mutations applied, by operation.",
		}, []string{"op"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPersistFailuresTotal,
			Help: "Snapshot writes that failed and were dropped.",
		}),
		driftDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDriftDetectedTotal,
			Help: "Times cached totals disagreed with the line list.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricOpenSessions,
			Help: "Carts currently held in memory.",
		}),
	}

	m.registry.MustRegister(
		m.mutations,
		m.persistFailures,
		m.driftDetected,
		m.openSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Mutation(op string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op).Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) DriftDetected() {
	if m == nil {
		return
	}
	m.driftDetected.Inc()
}

func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

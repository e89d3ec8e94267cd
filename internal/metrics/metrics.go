// Package metrics exposes Prometheus collectors for the engine and runners.
// All methods are nil-receiver safe so subsystems can run unmetered in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	runsStarted       *prometheus.CounterVec
	runsFinished      *prometheus.CounterVec
	nodeAttempts      *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	suspensionsOpen   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipsec",
			Name:      "runs_started_total",
			Help:      "Runs started, by trigger kind.",
		}, []string{"trigger"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipsec",
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		nodeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipsec",
			Name:      "node_attempts_total",
			Help:      "Node invocation attempts, by component and outcome.",
		}, []string{"component", "outcome"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipsec",
			Name:      "invocation_duration_seconds",
			Help:      "Wall-clock duration of node invocations, by runner kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"runner"}),
		suspensionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipsec",
			Name:      "suspensions_open",
			Help:      "Suspensions currently awaiting human input.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted,
		m.runsFinished,
		m.nodeAttempts,
		m.invocationSeconds,
		m.suspensionsOpen,
	)
	return m
}

func (m *Metrics) RunStarted(trigger string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// NodeAttempt records one invocation attempt. Outcome is "success",
// "suspended", or the failure kind.
func (m *Metrics) NodeAttempt(component, outcome string) {
	if m == nil {
		return
	}
	m.nodeAttempts.WithLabelValues(component, outcome).Inc()
}

func (m *Metrics) ObserveInvocation(runnerKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocationSeconds.WithLabelValues(runnerKind).Observe(d.Seconds())
}

func (m *Metrics) SuspensionOpened() {
	if m == nil {
		return
	}
	m.suspensionsOpen.Inc()
}

func (m *Metrics) SuspensionResolved() {
	if m == nil {
		return
	}
	m.suspensionsOpen.Dec()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

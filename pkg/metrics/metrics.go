// Package metrics defines the Prometheus collectors exported by the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// UnknownCollection labels dispatches whose collection did not resolve, so
// caller-supplied ids never become label values.
const UnknownCollection = "<unknown>"

// Metrics groups the gateway's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatches   *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	RemoteCalls  *prometheus.CounterVec
	PendingCalls prometheus.Gauge
	Workers      prometheus.Gauge
	Collections  prometheus.Gauge
	Connections  *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatched requests by outcome status.",
		}, []string{"collection", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from lookup to normalized response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"binding"}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Calls forwarded to workers by outcome.",
		}, []string{"worker", "outcome"}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Worker calls awaiting a reply.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Connected workers.",
		}),
		Collections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collections",
			Help:      "Registered collections.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open transport connections by endpoint.",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatches, m.Duration, m.RemoteCalls, m.PendingCalls, m.Workers, m.Collections, m.Connections)
	}
	return m
}

// ObserveDispatch records one dispatched request.
func (m *Metrics) ObserveDispatch(collection, status string, remote bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	binding := "local"
	if remote {
		binding = "remote"
	}
	m.Dispatches.WithLabelValues(collection, status).Inc()
	m.Duration.WithLabelValues(binding).Observe(elapsed.Seconds())
}

// ObserveRemoteCall records the outcome of one worker call.
func (m *Metrics) ObserveRemoteCall(worker, outcome string) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(worker, outcome).Inc()
}

// PendingDelta adjusts the pending call gauge.
func (m *Metrics) PendingDelta(delta float64) {
	if m == nil {
		return
	}
	m.PendingCalls.Add(delta)
}

// SetWorkers sets the connected worker gauge.
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.Workers.Set(float64(n))
}

// SetCollections sets the registered collection gauge.
func (m *Metrics) SetCollections(n int) {
	if m == nil {
		return
	}
	m.Collections.Set(float64(n))
}

// ConnectionDelta adjusts the open connection gauge for an endpoint.
func (m *Metrics) ConnectionDelta(endpoint string, delta float64) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(endpoint).Add(delta)
}

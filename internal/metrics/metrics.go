// Package metrics exposes request and job counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	uploads        *prometheus.CounterVec
	statusRequests *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

// New creates the counters on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncart_uploads_total",
			Help: "Upload requests by outcome.",
		}, []string{"outcome"}),
		statusRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncart_status_requests_total",
			Help: "Status polls by reported job status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncart_transitions_total",
			Help: "Job status transitions applied through the internal HTTP route, by target status. Transitions made by the in-process worker are not counted.",
		}, []string{"to"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uploads,
		m.statusRequests,
		m.transitions,
	)
	return m
}

// Upload outcomes: "accepted", "rejected", "error".
func (m *Metrics) Upload(outcome string) {
	m.uploads.WithLabelValues(outcome).Inc()
}

// StatusRequest takes the reported status, or "not_found" / "error".
func (m *Metrics) StatusRequest(status string) {
	m.statusRequests.WithLabelValues(status).Inc()
}

// Transition counts a status change made through the internal HTTP route.
func (m *Metrics) Transition(to string) {
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

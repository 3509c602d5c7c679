package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the dev server's Prometheus collectors. Each server has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Clients        prometheus.Gauge
	ModuleRequests *prometheus.CounterVec
	Transform      prometheus.Histogram
	Payloads       *prometheus.CounterVec
	FileChanges    prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hmr_clients",
			Help: "Connected HMR clients.",
		}),
		ModuleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hmr_module_requests_total",
			Help: "Module requests by result.",
		}, []string{"result"}),
		Transform: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hmr_transform_seconds",
			Help:    "Time spent loading and transforming a module.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		Payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hmr_payloads_total",
			Help: "Payloads broadcast to clients by type.",
		}, []string{"type"}),
		FileChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hmr_file_changes_total",
			Help: "Watched file changes processed.",
		}),
	}
	m.registry.MustRegister(m.Clients, m.ModuleRequests, m.Transform, m.Payloads, m.FileChanges)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

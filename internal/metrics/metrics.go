// Package metrics exposes the control-plane server's operational
// counters through a private Prometheus registry, served over an
// optional HTTP listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec
	RequestErrorsTotal *prometheus.CounterVec
	PushesTotal        prometheus.Counter
	DroppedFrames      prometheus.Counter
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "machined_api_active_connections",
			Help: "Number of currently connected API clients.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machined_api_requests_total",
			Help: "API requests dispatched, by endpoint path.",
		}, []string{"path"}),
		RequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machined_api_request_errors_total",
			Help: "API request failures, by classification.",
		}, []string{"kind"}),
		PushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machined_api_pushes_total",
			Help: "Asynchronous pushes enqueued to subscribed clients.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machined_api_dropped_frames_total",
			Help: "Inbound frames dropped due to decode failures.",
		}),
	}

	m.registry.MustRegister(
		m.ActiveConnections,
		m.RequestsTotal,
		m.RequestErrorsTotal,
		m.PushesTotal,
		m.DroppedFrames,
	)
	return m
}

// Handler returns an HTTP handler serving the registry in Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

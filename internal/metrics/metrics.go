// Package metrics exposes the tracker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the tracker's collectors on a private registry so tests
// can run several servers in one process without duplicate registration.
type Metrics struct {
	Commands        *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
	OpenConnections prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_commands_total",
			Help: "Commands dispatched, by verb and reply status.",
		}, []string{"verb", "status"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_transfer_bytes_total",
			Help: "File bytes moved through the transfer engine.",
		}, []string{"direction"}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_open_connections",
			Help: "Currently open client connections.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.Commands, m.TransferBytes, m.OpenConnections)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

// Package metrics exposes Prometheus collectors for the proxy's federation
// path: request counts and latency for the preprocessing pipeline, and
// per-server fan-out results for the Auth Multiplexer and Federation
// Orchestrator. Modeled on the promauto.NewXVec idiom used throughout the
// rest of the federation pack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector registered for the proxy.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	serverFanoutTotal *prometheus.CounterVec
	serverLatency     *prometheus.HistogramVec
	serverAvailable   *prometheus.GaugeVec

	idVirtualizations *prometheus.CounterVec
	activeStreams     prometheus.Gauge
}

// New registers and returns the proxy's Metrics. Call once at startup.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jellyswarrm_requests_total",
				Help: "Total number of proxied requests, by route and status class.",
			},
			[]string{"route", "status_class"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jellyswarrm_request_duration_seconds",
				Help:    "Latency of the request preprocessing pipeline, by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		serverFanoutTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jellyswarrm_server_fanout_total",
				Help: "Outcomes of per-server fan-out calls, by server and result.",
			},
			[]string{"server", "result"},
		),
		serverLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jellyswarrm_server_latency_seconds",
				Help:    "Latency of individual upstream server calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"server"},
		),
		serverAvailable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jellyswarrm_server_available",
				Help: "1 if the Server Registry currently considers a server reachable, else 0.",
			},
			[]string{"server"},
		),
		idVirtualizations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jellyswarrm_id_virtualizations_total",
				Help: "Total number of virtual IDs minted, by server.",
			},
			[]string{"server"},
		),
		activeStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jellyswarrm_active_streams",
				Help: "Current number of tracked play sessions.",
			},
		),
	}
}

// RecordRequest records one completed request through the pipeline.
func (m *Metrics) RecordRequest(route, statusClass string, seconds float64) {
	m.requestsTotal.WithLabelValues(route, statusClass).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordServerCall records the outcome and latency of one upstream call
// made during fan-out.
func (m *Metrics) RecordServerCall(server, result string, seconds float64) {
	m.serverFanoutTotal.WithLabelValues(server, result).Inc()
	m.serverLatency.WithLabelValues(server).Observe(seconds)
}

// SetServerAvailable records the Server Registry's current verdict for a
// server, for dashboards that want availability over time.
func (m *Metrics) SetServerAvailable(server string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	m.serverAvailable.WithLabelValues(server).Set(v)
}

// RecordVirtualization records one ID Mapping Store mint.
func (m *Metrics) RecordVirtualization(server string) {
	m.idVirtualizations.WithLabelValues(server).Inc()
}

// SetActiveStreams reports the current Play-Session Tracker size.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

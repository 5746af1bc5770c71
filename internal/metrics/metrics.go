// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GatewayErrors   *prometheus.CounterVec
	SessionRenewals prometheus.Counter
	ActiveStreams   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawd_requests_total",
				Help: "Total chat completion requests by mode and status.",
			},
			[]string{"mode", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawd_request_duration_seconds",
				Help:    "Chat completion duration by mode.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
			},
			[]string{"mode"},
		),
		GatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawd_gateway_errors_total",
				Help: "Gateway call failures by kind.",
			},
			[]string{"kind"},
		),
		SessionRenewals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clawd_session_renewals_total",
				Help: "Sessions renewed through the clawd-new command.",
			},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawd_active_streams",
				Help: "Streaming responses currently being written.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.GatewayErrors)
	reg.MustRegister(m.SessionRenewals)
	reg.MustRegister(m.ActiveStreams)
	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(mode, status string) {
	m.RequestsTotal.WithLabelValues(mode, status).Inc()
}

// RecordGatewayError increments the gateway failure counter.
func (m *Metrics) RecordGatewayError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.GatewayErrors.WithLabelValues(kind).Inc()
}

// RecordRenewal increments the session renewal counter.
func (m *Metrics) RecordRenewal() {
	m.SessionRenewals.Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(mode string, seconds float64) {
	m.RequestDuration.WithLabelValues(mode).Observe(seconds)
}

// StreamStarted and StreamEnded track live SSE responses.
func (m *Metrics) StreamStarted() { m.ActiveStreams.Inc() }

func (m *Metrics) StreamEnded() { m.ActiveStreams.Dec() }

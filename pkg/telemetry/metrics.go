package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect attempt results.
const (
	ResultConnected = "connected"
	ResultReused    = "reused"
	ResultFailed    = "failed"
)

// Metrics holds the hop collectors. A nil *Metrics is valid and records
// nothing, so callers never need to check.
type Metrics struct {
	connectAttempts  *prometheus.CounterVec
	connectDuration  prometheus.Histogram
	sessionsUp       prometheus.Gauge
	routerFallbacks  *prometheus.CounterVec
	configValidation *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hop_connect_attempts_total",
			Help: "Connect calls by outcome.",
		}, []string{"result"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hop_connect_duration_seconds",
			Help:    "Time spent establishing a hop connection.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		sessionsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hop_sessions_connected",
			Help: "Remote sessions currently connected.",
		}),
		routerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hop_router_fallbacks_total",
			Help: "Router resolutions that fell back to the local context.",
		}, []string{"reason"}),
		configValidation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hop_config_validations_total",
			Help: "Hop config validation runs by outcome.",
		}, []string{"result"}),
		gatherer: reg,
	}
	reg.MustRegister(m.connectAttempts, m.connectDuration, m.sessionsUp, m.routerFallbacks, m.configValidation)
	return m
}

func (m *Metrics) ConnectAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
	if result != ResultReused {
		m.connectDuration.Observe(seconds)
	}
}

func (m *Metrics) SetSessionsConnected(n int) {
	if m == nil {
		return
	}
	m.sessionsUp.Set(float64(n))
}

func (m *Metrics) RouterFallback(reason string) {
	if m == nil {
		return
	}
	m.routerFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConfigValidated(valid bool) {
	if m == nil {
		return
	}
	res := "valid"
	if !valid {
		res = "invalid"
	}
	m.configValidation.WithLabelValues(res).Inc()
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	interactions  *prometheus.CounterVec
	chainLatency  prometheus.Histogram
	transcription *prometheus.HistogramVec
	clients       prometheus.Gauge
}

// NewMetrics registers the assistant collectors plus Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistant",
			Name:      "interactions_total",
			Help:      "Chat interactions by input kind and outcome.",
		}, []string{"kind", "outcome"}),
		chainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assistant",
			Name:      "chain_duration_seconds",
			Help:      "Time spent waiting for the chat model.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		transcription: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "assistant",
			Name:      "transcription_duration_seconds",
			Help:      "Time spent transcribing audio, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "assistant",
			Name:      "client_states",
			Help:      "Browser client states currently held in memory.",
		}),
	}

	reg.MustRegister(
		m.interactions,
		m.chainLatency,
		m.transcription,
		m.clients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Interaction counts one interaction; outcome is ok, skipped or error.
func (m *Metrics) Interaction(kind, outcome string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(kind, outcome).Inc()
}

// ChainDuration records one chat model call.
func (m *Metrics) ChainDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.chainLatency.Observe(d.Seconds())
}

// TranscriptionDuration records one transcription call.
func (m *Metrics) TranscriptionDuration(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.transcription.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetClients reports the number of live client states.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

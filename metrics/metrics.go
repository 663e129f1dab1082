package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Frame metrics
	FramesForwarded *prometheus.CounterVec
	FrameErrors     *prometheus.CounterVec

	// Upstream metrics
	UpstreamReconnects prometheus.Counter
	UpstreamFailures   *prometheus.CounterVec
	NegotiationTime    prometheus.Histogram

	// Transcript metrics
	TranscriptsFinalized *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry so tests and
// multiple relays in one process do not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_sessions",
			Help: "Current number of relayed client sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_sessions_rejected_total",
			Help: "Connections refused before a session existed",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_session_duration_seconds",
			Help:    "Lifetime of relayed sessions",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_frames_forwarded_total",
			Help: "Frames forwarded by direction and type",
		}, []string{"direction", "type"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_frame_errors_total",
			Help: "Client frames answered with an error frame",
		}, []string{"code"}),

		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_upstream_reconnects_total",
			Help: "Upstream reconnect attempts",
		}),
		UpstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_upstream_failures_total",
			Help: "Upstream disconnects by classification",
		}, []string{"kind"}),
		NegotiationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_negotiation_seconds",
			Help:    "Time from upstream dial to session.updated",
			Buckets: prometheus.DefBuckets,
		}),

		TranscriptsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_transcripts_finalized_total",
			Help: "Finalized conversation messages by role",
		}, []string{"role"}),
	}
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors. A single instance
// is created at startup and registered on one registry, so tests can
// build isolated instances.
type Metrics struct {
	SegmentsIngested *prometheus.CounterVec
	IngestErrors     prometheus.Counter
	LiveEdge         *prometheus.GaugeVec
	FramesSent       *prometheus.CounterVec
	BytesSent        *prometheus.CounterVec
	ConnectedClients prometheus.Gauge
	SessionsDropped  prometheus.Counter
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puffer_segments_ingested_total",
			Help: "Media segments installed from disk.",
		}, []string{"channel", "medium"}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puffer_ingest_errors_total",
			Help: "Segment files that could not be read or probed.",
		}),
		LiveEdge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "puffer_live_edge_timestamp",
			Help: "Newest segment timestamp per channel and medium.",
		}, []string{"channel", "medium"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puffer_frames_sent_total",
			Help: "Media frames enqueued to clients.",
		}, []string{"medium"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "puffer_bytes_sent_total",
			Help: "Media payload bytes enqueued to clients.",
		}, []string{"medium"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puffer_connected_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		SessionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puffer_sessions_dropped_total",
			Help: "Sessions removed due to protocol violations.",
		}),
	}
	reg.MustRegister(
		m.SegmentsIngested,
		m.IngestErrors,
		m.LiveEdge,
		m.FramesSent,
		m.BytesSent,
		m.ConnectedClients,
		m.SessionsDropped,
	)
	return m
}

// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gluk-w/jumpterm/internal/sshterminal"
	"github.com/gluk-w/jumpterm/internal/termframe"
)

const namespace = "jumpterm"

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec // by outcome: closed, error, stale
	SessionsLive     prometheus.Gauge
	SessionDuration  prometheus.Histogram
	Frames           *prometheus.CounterVec // by direction, kind
	RejectedMessages *prometheus.CounterVec // by reason
	Heartbeats       *prometheus.CounterVec // by result: ok, not_found, forbidden
	RecordingDrops   prometheus.Counter
	RecordingsPurged prometheus.Counter
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Terminal sessions whose shell started.",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Terminal sessions that ended, by outcome.",
		}, []string{"outcome"}),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_live",
			Help: "Terminal sessions currently relaying.",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds",
			Help:    "Wall time of finished terminal sessions.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Frames relayed, by direction and kind.",
		}, []string{"direction", "kind"}),
		RejectedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_messages_total",
			Help: "Client messages refused by the relay, by reason.",
		}, []string{"reason"}),
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Session heartbeats received, by result.",
		}, []string{"result"}),
		RecordingDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recording_events_dropped_total",
			Help: "Recording events dropped because the writer queue was full.",
		}),
		RecordingsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recordings_purged_total",
			Help: "Recording files removed after the retention period.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RelayHooks feeds relay traffic into the frame and rejection counters.
func (m *Metrics) RelayHooks() sshterminal.RelayHooks {
	return sshterminal.RelayHooks{
		Frame: func(direction string, kind termframe.Kind) {
			m.Frames.WithLabelValues(direction, string(kind)).Inc()
		},
		Rejected: func(reason string) {
			m.RejectedMessages.WithLabelValues(reason).Inc()
		},
	}
}

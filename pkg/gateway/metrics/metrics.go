// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry. All methods
// are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionDuration prometheus.Histogram

	// Recognition metrics
	StreamsOpened      prometheus.Counter
	StreamOpenFailures prometheus.Counter
	StreamRestarts     *prometheus.CounterVec
	TranscriptEvents   *prometheus.CounterVec

	// Audio metrics
	AudioFrames *prometheus.CounterVec
	AudioBytes  prometheus.Counter

	// Inbound rejections (oversized messages, invalid controls)
	InboundRejected *prometheus.CounterVec

	// Answer metrics
	AITasks *prometheus.CounterVec
}

// New creates and registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "transcribe"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open transcription connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total transcription connections accepted",
		}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Transcription connection lifetime in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_streams_opened_total",
			Help:      "Recognition streams opened",
		}),
		StreamOpenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_stream_open_failures_total",
			Help:      "Recognition stream open attempts that failed",
		}),
		StreamRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_stream_restarts_total",
			Help:      "Recognition stream replacements by reason",
		}, []string{"reason"}),
		TranscriptEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcript events forwarded to clients",
		}, []string{"kind"}),
		AudioFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Inbound audio frames by outcome",
		}, []string{"outcome"}),
		AudioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes forwarded to the recognition provider",
		}),
		InboundRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_total",
			Help:      "Inbound messages rejected by reason",
		}, []string{"reason"}),
		AITasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tasks_total",
			Help:      "AI answer tasks by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionDuration,
		m.StreamsOpened,
		m.StreamOpenFailures,
		m.StreamRestarts,
		m.TranscriptEvents,
		m.AudioFrames,
		m.AudioBytes,
		m.InboundRejected,
		m.AITasks,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed records the end of a connection opened at start.
func (m *Metrics) ConnectionClosed(start time.Time) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpened.Inc()
}

func (m *Metrics) StreamOpenFailed() {
	if m == nil {
		return
	}
	m.StreamOpenFailures.Inc()
}

func (m *Metrics) StreamRestarted(reason string) {
	if m == nil {
		return
	}
	m.StreamRestarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) TranscriptForwarded(isFinal bool) {
	if m == nil {
		return
	}
	kind := "interim"
	if isFinal {
		kind = "final"
	}
	m.TranscriptEvents.WithLabelValues(kind).Inc()
}

// AudioFrame records one inbound frame. Bytes count only when forwarded.
func (m *Metrics) AudioFrame(outcome string, bytes int, forwarded bool) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(outcome).Inc()
	if forwarded && bytes > 0 {
		m.AudioBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.InboundRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AITaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.AITasks.WithLabelValues(outcome).Inc()
}

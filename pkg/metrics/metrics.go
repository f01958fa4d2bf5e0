// Package metrics instruments the delivery subsystem with Prometheus
// collectors. Components call the semantic helpers instead of touching
// collectors directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	connectionsActive prometheus.Gauge

	framesIn   *prometheus.CounterVec
	chunksSent prometheus.Counter

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	recoveries       *prometheus.CounterVec

	queued       prometheus.Counter
	queueDropped prometheus.Counter
	drained      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_connections_opened_total",
			Help: "Connections registered, by transport.",
		}, []string{"transport"}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_connections_closed_total",
			Help: "Connections unregistered, by close reason.",
		}, []string{"reason"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_connections_active",
			Help: "Currently registered connections.",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_frames_in_total",
			Help: "Inbound client frames, by envelope type.",
		}, []string{"type"}),
		chunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_stream_chunks_sent_total",
			Help: "Stream chunks delivered to live connections.",
		}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_stream_sessions_started_total",
			Help: "Stream sessions created.",
		}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_stream_sessions_finished_total",
			Help: "Stream sessions reaching a terminal state.",
		}, []string{"state"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_stream_recoveries_total",
			Help: "Recovery attempts, by outcome.",
		}, []string{"outcome"}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_mailbox_enqueued_total",
			Help: "Messages diverted to the offline mailbox.",
		}),
		queueDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_mailbox_dropped_total",
			Help: "Messages evicted by the drop-oldest overflow policy.",
		}),
		drained: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_mailbox_drained_total",
			Help: "Messages flushed to reconnecting clients.",
		}),
	}
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(transport).Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
	m.connectionsActive.Dec()
}

func (m *Metrics) FrameIn(envelopeType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) ChunkSent() {
	if m == nil {
		return
	}
	m.chunksSent.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionFinished(state string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(state).Inc()
}

func (m *Metrics) Recovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *Metrics) MessagesDrained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

// Handler exposes the registry for a metrics listener.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meftunca/voxlink/pkg/protocol"
)

// Metrics holds the Prometheus collectors of a node.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	authFailures      *prometheus.CounterVec

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec

	players        prometheus.Gauge
	playingPlayers prometheus.Gauge

	syncRequests *prometheus.CounterVec

	framesSent    prometheus.Gauge
	framesNulled  prometheus.Gauge
	framesDeficit prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates node metrics in their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxlink_node"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initConnectionMetrics(namespace)
	m.initMessageMetrics(namespace)
	m.initPlayerMetrics(namespace)

	m.registry.MustRegister(
		m.connectionsActive, m.connectionsTotal, m.authFailures,
		m.messagesReceived, m.messagesSent,
		m.players, m.playingPlayers, m.syncRequests,
		m.framesSent, m.framesNulled, m.framesDeficit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) initConnectionMetrics(namespace string) {
	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of open control connections",
	})
	m.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of accepted control connections",
	})
	m.authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Total number of rejected handshakes",
	}, []string{"reason"})
}

func (m *Metrics) initMessageMetrics(namespace string) {
	m.messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received from controllers",
	}, []string{"op"})
	m.messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent to controllers",
	}, []string{"op"})
	m.syncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_requests_total",
		Help:      "Blocking requests made to controllers by kind and result",
	}, []string{"kind", "result"})
}

func (m *Metrics) initPlayerMetrics(namespace string) {
	m.players = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "players",
		Help:      "Number of players across all connections",
	})
	m.playingPlayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "playing_players",
		Help:      "Number of players currently playing",
	})
	m.framesSent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frames_sent",
		Help:      "Average frames sent per player in the last reported minute",
	})
	m.framesNulled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frames_nulled",
		Help:      "Average frames nulled per player in the last reported minute",
	})
	m.framesDeficit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frames_deficit",
		Help:      "Average frame deficit per player in the last reported minute",
	})
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }

func (m *Metrics) AuthFailure(reason string) { m.authFailures.WithLabelValues(reason).Inc() }

func (m *Metrics) MessageReceived(op protocol.Op) {
	m.messagesReceived.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) MessageSent(op protocol.Op) {
	m.messagesSent.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) SyncRequest(kind, result string) {
	m.syncRequests.WithLabelValues(kind, result).Inc()
}

// SetPlayers records node-wide player counts.
func (m *Metrics) SetPlayers(players, playing int) {
	m.players.Set(float64(players))
	m.playingPlayers.Set(float64(playing))
}

// SetFrames records the last frame aggregate; nil resets the gauges.
func (m *Metrics) SetFrames(f *protocol.FrameStats) {
	if f == nil {
		m.framesSent.Set(0)
		m.framesNulled.Set(0)
		m.framesDeficit.Set(0)
		return
	}
	m.framesSent.Set(float64(f.Sent))
	m.framesNulled.Set(float64(f.Nulled))
	m.framesDeficit.Set(float64(f.Deficit))
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package client

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/protocol"
)

// Metrics holds the Prometheus collectors of a controller.
type Metrics struct {
	nodePenalty     *prometheus.GaugeVec
	nodeAvailable   *prometheus.GaugeVec
	assignments     prometheus.Gauge
	resolveFailures prometheus.Counter
	reconnects      *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates controller metrics in their own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxlink_controller"
	}

	m := &Metrics{
		nodePenalty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_penalty",
			Help:      "Latest penalty of a node by component",
		}, []string{"node", "component"}),
		nodeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_available",
			Help:      "1 while the control connection to a node is open",
		}, []string{"node"}),
		assignments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assignments",
			Help:      "Number of guilds bound to a node",
		}),
		resolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Guild resolutions that found no available node",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_reconnects_total",
			Help:      "Reconnect attempts per node",
		}, []string{"node"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent to nodes by op",
		}, []string{"op"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.nodePenalty, m.nodeAvailable, m.assignments,
		m.resolveFailures, m.reconnects, m.messagesSent,
	)
	return m
}

// ObserveNode records the availability and penalties of a node.
func (m *Metrics) ObserveNode(name string, available bool, p balancer.Penalties) {
	up := 0.0
	if available {
		up = 1
	}
	m.nodeAvailable.WithLabelValues(name).Set(up)
	m.nodePenalty.WithLabelValues(name, "player").Set(float64(p.Player))
	m.nodePenalty.WithLabelValues(name, "cpu").Set(float64(p.CPU))
	m.nodePenalty.WithLabelValues(name, "deficit_frame").Set(float64(p.DeficitFrame))
	m.nodePenalty.WithLabelValues(name, "null_frame").Set(float64(p.NullFrame))
	m.nodePenalty.WithLabelValues(name, "total").Set(float64(p.Total()))
}

// ForgetNode drops the series of a removed node.
func (m *Metrics) ForgetNode(name string) {
	m.nodeAvailable.DeleteLabelValues(name)
	m.nodePenalty.DeletePartialMatch(prometheus.Labels{"node": name})
	m.reconnects.DeleteLabelValues(name)
}

func (m *Metrics) SetAssignments(n int)       { m.assignments.Set(float64(n)) }
func (m *Metrics) ResolveFailure()            { m.resolveFailures.Inc() }
func (m *Metrics) Reconnect(node string)      { m.reconnects.WithLabelValues(node).Inc() }
func (m *Metrics) MessageSent(op protocol.Op) { m.messagesSent.WithLabelValues(string(op)).Inc() }

// Registry returns the registry holding every controller collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes per-node prometheus collectors for discovery,
// relaying and handshakes.
//
// Every Node owns its own registry, so several nodes can live in one
// process. All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshlink"

// Metrics groups the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	relayed          prometheus.Counter
	relayDropped     prometheus.Counter
	childrenJoined   prometheus.Counter
	childrenLeft     prometheus.Counter
	unites           prometheus.Counter
	handshakes       *prometheus.CounterVec
	paths            *prometheus.GaugeVec
	superPeerRTT     *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded messages received, by kind.",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound datagrams or messages dropped, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "superpeer",
			Name:      "relayed_total",
			Help:      "Messages forwarded to a child.",
		}),
		relayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "superpeer",
			Name:      "relay_dropped_total",
			Help:      "Messages not forwarded because the hop limit was reached.",
		}),
		childrenJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "superpeer",
			Name:      "children_joined_total",
			Help:      "Children registered.",
		}),
		childrenLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "superpeer",
			Name:      "children_left_total",
			Help:      "Children evicted after going stale.",
		}),
		unites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "superpeer",
			Name:      "rendezvous_total",
			Help:      "Rendezvous initiated between two children.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "results_total",
			Help:      "Finished handshakes, by result.",
		}, []string{"result"}),
		paths: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paths",
			Help:      "Paths currently in the table, by path id.",
		}, []string{"path"}),
		superPeerRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "children",
			Name:      "superpeer_rtt_seconds",
			Help:      "Last measured round trip time per super peer.",
		}, []string{"peer"}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.relayed,
		m.relayDropped,
		m.childrenJoined,
		m.childrenLeft,
		m.unites,
		m.handshakes,
		m.paths,
		m.superPeerRTT,
	)
	return m
}

// Registry returns the registry holding the collectors, for use with
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageReceived counts a decoded inbound message.
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// MessageDropped counts a dropped message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// Relayed counts a forwarded message.
func (m *Metrics) Relayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

// RelayDropped counts a message stopped by the hop limit.
func (m *Metrics) RelayDropped() {
	if m == nil {
		return
	}
	m.relayDropped.Inc()
}

// ChildJoined counts a new registration.
func (m *Metrics) ChildJoined() {
	if m == nil {
		return
	}
	m.childrenJoined.Inc()
}

// ChildLeft counts an eviction.
func (m *Metrics) ChildLeft() {
	if m == nil {
		return
	}
	m.childrenLeft.Inc()
}

// RendezvousInitiated counts a pair of Unite messages.
func (m *Metrics) RendezvousInitiated() {
	if m == nil {
		return
	}
	m.unites.Inc()
}

// HandshakeFinished counts a handshake outcome such as "established",
// "timeout", "reset" or "refused".
func (m *Metrics) HandshakeFinished(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// PathAdded increments the path gauge.
func (m *Metrics) PathAdded(path string) {
	if m == nil {
		return
	}
	m.paths.WithLabelValues(path).Inc()
}

// PathRemoved decrements the path gauge.
func (m *Metrics) PathRemoved(path string) {
	if m == nil {
		return
	}
	m.paths.WithLabelValues(path).Dec()
}

// SuperPeerRTT records the latest round trip time, in seconds.
func (m *Metrics) SuperPeerRTT(peer string, seconds float64) {
	if m == nil {
		return
	}
	m.superPeerRTT.WithLabelValues(peer).Set(seconds)
}

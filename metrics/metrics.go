// Package metrics exposes Prometheus collectors for a peerchat node.
//
// All metric names use the configured namespace (default "peerchat"):
//
//	peerchat_datagrams_received_total{type="message|exchange|handshake|unknown"}
//	peerchat_datagrams_dropped_total{type="...",reason="<error kind>"}
//	peerchat_messages_sent_total
//	peerchat_messages_queued_total
//	peerchat_messages_received_total
//	peerchat_exchanges_completed_total
//	peerchat_exchanges_started_total
//	peerchat_handshakes_completed_total
//	peerchat_pending_exchanges
//	peerchat_queued_messages
//
// Use NewMetricsWithRegisterer with a private registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "peerchat"

// Metrics holds the node collectors. It is safe for concurrent use, and a nil
// *Metrics records nothing.
type Metrics struct {
	datagramsReceived *prometheus.CounterVec
	datagramsDropped  *prometheus.CounterVec

	messagesSent     prometheus.Counter
	messagesQueued   prometheus.Counter
	messagesReceived prometheus.Counter

	exchangesStarted   prometheus.Counter
	exchangesCompleted prometheus.Counter
	handshakes         prometheus.Counter

	pendingExchanges prometheus.Gauge
	queuedMessages   prometheus.Gauge
}

// NewMetrics registers the collectors with the default registry. It panics
// if they are already registered.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates the collectors and registers them with
// registerer. A nil registerer skips registration.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		datagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams received by type",
		}, []string{"type"}),
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total number of inbound datagrams dropped by type and reason",
		}, []string{"type", "reason"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of chat messages sent",
		}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Total number of chat messages queued for lack of a session",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of chat messages accepted",
		}),
		exchangesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_started_total",
			Help:      "Total number of session-key exchanges initiated locally",
		}),
		exchangesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_completed_total",
			Help:      "Total number of session keys established",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Total number of bootstrap handshake messages that paired a peer",
		}),
		pendingExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_exchanges",
			Help:      "Number of exchanges awaiting the peer's reply",
		}),
		queuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_messages",
			Help:      "Number of chat messages waiting for a session or a working transport",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.datagramsReceived,
			m.datagramsDropped,
			m.messagesSent,
			m.messagesQueued,
			m.messagesReceived,
			m.exchangesStarted,
			m.exchangesCompleted,
			m.handshakes,
			m.pendingExchanges,
			m.queuedMessages,
		)
	}
	return m
}

// DatagramReceived counts an inbound datagram of the given type.
func (m *Metrics) DatagramReceived(packetType string) {
	if m == nil {
		return
	}
	m.datagramsReceived.WithLabelValues(packetType).Inc()
}

// DatagramDropped counts an inbound datagram rejected for reason.
func (m *Metrics) DatagramDropped(packetType, reason string) {
	if m == nil {
		return
	}
	m.datagramsDropped.WithLabelValues(packetType, reason).Inc()
}

// MessageSent counts a chat message handed to the transport.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// MessageQueued counts a chat message stored as pending.
func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.messagesQueued.Inc()
}

// MessageReceived counts an accepted chat message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// ExchangeStarted counts a locally initiated exchange.
func (m *Metrics) ExchangeStarted() {
	if m == nil {
		return
	}
	m.exchangesStarted.Inc()
}

// ExchangeCompleted counts a stored session key.
func (m *Metrics) ExchangeCompleted() {
	if m == nil {
		return
	}
	m.exchangesCompleted.Inc()
}

// HandshakeCompleted counts a processed HANDSHAKE that paired a peer.
func (m *Metrics) HandshakeCompleted() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

// SetPendingExchanges sets the pending exchange gauge.
func (m *Metrics) SetPendingExchanges(n int) {
	if m == nil {
		return
	}
	m.pendingExchanges.Set(float64(n))
}

// SetQueuedMessages sets the queued message gauge.
func (m *Metrics) SetQueuedMessages(n int) {
	if m == nil {
		return
	}
	m.queuedMessages.Set(float64(n))
}

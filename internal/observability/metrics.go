package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roomchat"

// Metrics groups the Prometheus collectors exported by the relay.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	Rooms             prometheus.Gauge
	MessagesRouted    prometheus.Counter
	DeliveriesDropped prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	Commands          *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions registered with the coordinator.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of known rooms, including empty ones.",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Lines handed to session delivery handles.",
		}),
		DeliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Deliveries skipped because the recipient was closed or its buffer was full.",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Sessions closed because the peer stopped answering heartbeats.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Slash commands received, by command.",
		}, []string{"command"}),
	}
}

// NopMetrics returns collectors registered on a private registry, for callers
// that do not export metrics.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

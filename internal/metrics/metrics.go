// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway exports. Construct one per
// process with a registerer; tests pass a fresh registry so parallel
// gateways never collide on registration.
type Metrics struct {
	ConnectionsCurrent prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsFailed  prometheus.Counter

	AuthSuccess prometheus.Counter
	AuthFailed  *prometheus.CounterVec // reason

	EventsReceived *prometheus.CounterVec // op
	EventsSent     *prometheus.CounterVec // op
	EventsDropped  prometheus.Counter     // slow-client send buffer full

	RateLimited *prometheus.CounterVec // event class

	BreakerState    *prometheus.GaugeVec   // dependency → 0 closed, 1 open, 2 half-open
	BreakerFailures *prometheus.CounterVec // dependency
	BreakerRejected *prometheus.CounterVec // dependency, fail-fast while open

	FanoutPublished  prometheus.Counter
	FanoutDelivered  prometheus.Counter
	FanoutDuplicates prometheus.Counter
	FanoutDegraded   prometheus.Counter // publish fell back to local-only

	BrokerConnected prometheus.Gauge

	TypingActive  prometheus.Gauge
	VoiceSessions prometheus.Gauge
}

// New creates and registers all gateway collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_current",
			Help: "Number of live client connections on this instance",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total client connections accepted",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_failed_total",
			Help: "Connections rejected before or during upgrade",
		}),
		AuthSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_success_total",
			Help: "Successful authentication handshakes",
		}),
		AuthFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failed_total",
			Help: "Failed authentication handshakes by reason",
		}, []string{"reason"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_received_total",
			Help: "Inbound client events by op",
		}, []string{"op"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_sent_total",
			Help: "Outbound client events by op",
		}, []string{"op"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Outbound events dropped because a client send buffer was full",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Events rejected by the per-user rate limiter",
		}, []string{"event"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
		BreakerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_failures_total",
			Help: "Failures counted by each circuit breaker",
		}, []string{"dependency"}),
		BreakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_rejected_total",
			Help: "Calls rejected fast while a breaker was open",
		}, []string{"dependency"}),
		FanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fanout_published_total",
			Help: "Replication envelopes published to the broker",
		}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fanout_delivered_total",
			Help: "Replication envelopes delivered to local room members",
		}),
		FanoutDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fanout_duplicates_total",
			Help: "Duplicate replication envelopes suppressed by event id",
		}),
		FanoutDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fanout_degraded_total",
			Help: "Broadcasts that fell back to instance-local delivery",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_broker_connected",
			Help: "1 when the broker connection is up",
		}),
		TypingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_typing_active",
			Help: "Typing indicators currently live on this instance",
		}),
		VoiceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_voice_participants",
			Help: "Voice participants tracked on this instance",
		}),
	}

	reg.MustRegister(
		m.ConnectionsCurrent, m.ConnectionsTotal, m.ConnectionsFailed,
		m.AuthSuccess, m.AuthFailed,
		m.EventsReceived, m.EventsSent, m.EventsDropped,
		m.RateLimited,
		m.BreakerState, m.BreakerFailures, m.BreakerRejected,
		m.FanoutPublished, m.FanoutDelivered, m.FanoutDuplicates, m.FanoutDegraded,
		m.BrokerConnected,
		m.TypingActive, m.VoiceSessions,
	)
	return m
}

// NewForTest builds a Metrics backed by a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

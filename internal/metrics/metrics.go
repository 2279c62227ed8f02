package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Scraped from /metrics.
var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxhall_connections_active",
		Help: "Current number of active WebSocket connections",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_connections_rejected_total",
		Help: "Connections rejected before session start, by reason",
	}, []string{"reason"})
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_disconnects_total",
		Help: "Session closes by reason",
	}, []string{"reason"})

	// Message metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_messages_sent_total",
		Help: "Total frames written to clients",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_messages_received_total",
		Help: "Total frames read from clients",
	})
	SessionDroppedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_session_dropped_out_total",
		Help: "Outbound frames dropped because a session send queue overflowed",
	})
	RateLimitedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_rate_limited_events_total",
		Help: "Inbound events rejected by the rate limiter, by action",
	}, []string{"action"})
	FanOutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_fanout_deliveries_total",
		Help: "Frames delivered to local room members, by event kind",
	}, []string{"kind"})

	// Bus metrics
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_bus_published_total",
		Help: "Envelopes published, by outcome (delivered, queued, dropped)",
	}, []string{"outcome"})
	BusMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_bus_messages_dropped_total",
		Help: "Envelopes dropped from outage queues",
	})
	BusDroppedTTL = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_bus_dropped_ttl_total",
		Help: "Remote envelopes discarded because their TTL expired in transit",
	})
	BusQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxhall_bus_queue_depth",
		Help: "Envelopes currently held in outage queues",
	})
	BusSubscriberOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_bus_subscriber_overflow_total",
		Help: "Envelopes dropped because a local subscriber mailbox was full",
	})
	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxhall_bus_transport_state",
		Help: "Bus transport state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed)",
	})

	// Breaker metrics
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxhall_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed 1=open 2=half-open)",
	}, []string{"name"})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by dependency and new state",
	}, []string{"name", "state"})

	// Security metrics
	SecurityBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxhall_security_blocked_total",
		Help: "Connections blocked by the security layer, by check",
	}, []string{"check"})
	SuspicionAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_suspicion_alerts_total",
		Help: "Suspicion scores that crossed the alert threshold",
	})

	// Typing metrics
	TypingDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxhall_typing_debounced_total",
		Help: "Typing broadcasts coalesced away by the debounce window",
	})
	TypingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxhall_typing_active_entries",
		Help: "Typing entries currently tracked on this node",
	})

	// Cluster metrics
	ClusterNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxhall_cluster_nodes",
		Help: "Healthy nodes in the cluster view",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus collectors for session activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lansession"

// Roles label payload counters by the receiving side.
const (
	RoleHost   = "host"
	RoleRemote = "remote"
)

// Reasons label cancelled connections.
const (
	ReasonClosed         = "closed"
	ReasonError          = "error"
	ReasonSessionStop    = "session_stop"
	ReasonSelfOriginated = "self_originated"
)

// ─── Pool ───────────────────────────────────────────────────────────────────

// PoolConnections tracks connections currently held by the hosting pool.
var PoolConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "pool_connections",
	Help:      "Connections currently held by the hosting session pool.",
})

// ConnectionsAccepted counts inbound connections added to the pool.
var ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "connections_accepted_total",
	Help:      "Total inbound connections accepted into the pool.",
})

// ConnectionsCancelled counts connections that ended, by reason.
var ConnectionsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "connections_cancelled_total",
	Help:      "Total connections cancelled.",
}, []string{"reason"})

// ─── Payloads ───────────────────────────────────────────────────────────────

// PayloadsReceived counts payloads handed to the consumer.
var PayloadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "payloads_received_total",
	Help:      "Total payloads delivered to the payload consumer.",
}, []string{"role"})

// PayloadBytesReceived counts payload bytes handed to the consumer.
var PayloadBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "payload_bytes_received_total",
	Help:      "Total payload bytes delivered to the payload consumer.",
}, []string{"role"})

// ─── Discovery ──────────────────────────────────────────────────────────────

// DiscoveredPeers tracks the size of the discovered peer set.
var DiscoveredPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "discovered_peers",
	Help:      "Peers currently in the discovered set.",
})

// ObservePayload records one delivered payload for role.
func ObservePayload(role string, size int) {
	PayloadsReceived.WithLabelValues(role).Inc()
	PayloadBytesReceived.WithLabelValues(role).Add(float64(size))
}

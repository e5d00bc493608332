// Package metrics wraps the Prometheus collectors exposed by the
// server over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used across the server.
type Registry struct {
	Connections    prometheus.Gauge
	Transactions   prometheus.Counter
	Conflicts      prometheus.Counter
	Subscriptions  prometheus.Counter
	HeartbeatDrops prometheus.Counter
	ReplicationErr prometheus.Counter

	CommitLatency   prometheus.Histogram
	SnapshotLatency prometheus.Histogram

	BroadcastDropped prometheus.Counter
}

// NewRegistry creates the Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "objectdb_connections_active",
			Help: "Number of channels currently registered with the server.",
		}),
		Transactions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_transactions_committed_total",
			Help: "Total number of transactions (including synthetic ones) committed successfully.",
		}),
		Conflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_transaction_conflicts_total",
			Help: "Total number of transactions rejected due to a version precondition conflict.",
		}),
		Subscriptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_subscriptions_total",
			Help: "Total number of Subscribe requests served.",
		}),
		HeartbeatDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_heartbeat_drops_total",
			Help: "Total number of channels closed for missing heartbeats.",
		}),
		ReplicationErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_replication_errors_total",
			Help: "Total number of failed best-effort replication publishes.",
		}),
		CommitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "objectdb_commit_latency_seconds",
			Help:    "Time spent inside the commit path, from transaction id assignment to broadcast.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "objectdb_subscribe_snapshot_latency_seconds",
			Help:    "Time spent building an initial subscription snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "objectdb_send_queue_dropped_total",
			Help: "Total number of server messages dropped because a connection's send queue was full.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

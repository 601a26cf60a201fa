package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local mirrors of the gauges, readable by the health checker.
var (
	messagesReceivedCount  int64
	activeConnectionsCount int64
	activeSubscrCount      int64
	lastMessageTimestamp   int64
)

// GetMessagesReceivedCount returns the number of inbound frames since start
func GetMessagesReceivedCount() int64 {
	return atomic.LoadInt64(&messagesReceivedCount)
}

// IncrementMessagesReceived counts one inbound frame
func IncrementMessagesReceived(size int) {
	MessagesReceived.Inc()
	MessageSizeBytes.Observe(float64(size))
	atomic.AddInt64(&messagesReceivedCount, 1)
	atomic.StoreInt64(&lastMessageTimestamp, time.Now().Unix())
}

// GetLastMessageTime returns when the last inbound frame arrived
func GetLastMessageTime() time.Time {
	ts := atomic.LoadInt64(&lastMessageTimestamp)
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// GetActiveConnectionsCount returns the current number of live sockets
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementActiveConnections records an accepted socket
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	ConnectionsOpened.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections records a closed socket with the reason it closed
func DecrementActiveConnections(reason string) {
	ActiveConnections.Dec()
	ConnectionsClosed.WithLabelValues(reason).Inc()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveSubscriptionsCount returns the current number of subscriptions
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

// AddActiveSubscriptions adjusts the subscription gauge by delta
func AddActiveSubscriptions(delta int) {
	ActiveSubscriptions.Add(float64(delta))
	atomic.AddInt64(&activeSubscrCount, int64(delta))
}

// IncrementMessagesSent counts one outbound frame
func IncrementMessagesSent(size int) {
	MessagesSent.Inc()
	MessageSizeBytesSent.Observe(float64(size))
}

// ObserveRPC records a handled JSON-RPC request
func ObserveRPC(method string, start time.Time) {
	RPCRequests.WithLabelValues(method).Inc()
	RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_relay_active_connections",
		Help: "The number of live WebSocket connections",
	})

	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_connections_opened_total",
		Help: "The total number of accepted WebSocket connections",
	})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_connections_closed_total",
		Help: "The total number of closed connections by reason",
	}, []string{"reason"}) // "client", "throttled", "heartbeat", "expired", "overflow", "shutdown"

	UpgradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_upgrades_rejected_total",
		Help: "Handshakes rejected before upgrade by reason",
	}, []string{"reason"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_relay_active_subscriptions",
		Help: "The number of active subscriptions on this node",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_messages_received_total",
		Help: "The total number of inbound frames",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_messages_sent_total",
		Help: "The total number of outbound frames",
	})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_relay_message_size_bytes",
		Help:    "Size of inbound frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	MessageSizeBytesSent = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_relay_message_size_bytes_sent",
		Help:    "Size of outbound frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_messages_published_total",
		Help: "Messages accepted into the store by this node",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_messages_delivered_total",
		Help: "Subscription pushes by origin",
	}, []string{"origin"}) // "live", "replay"

	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_messages_acked_total",
		Help: "Push acknowledgements received from clients",
	})

	ThrottledConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_throttled_connections_total",
		Help: "Connections closed for exceeding the message rate",
	})

	// RPC metrics
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_rpc_requests_total",
		Help: "JSON-RPC requests handled by method",
	}, []string{"method"})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pubsub_relay_rpc_duration_seconds",
		Help:    "Time to handle JSON-RPC requests by method",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 7),
	}, []string{"method"})

	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_rpc_errors_total",
		Help: "JSON-RPC error responses by error code",
	}, []string{"code"})

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_http_requests_total",
		Help: "HTTP requests by path",
	}, []string{"path"})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})

	// Store metrics
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_relay_store_operations_total",
		Help: "Message store operations by operation and status",
	}, []string{"operation", "status"})

	StoreNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_relay_store_notifications_total",
		Help: "Publish notifications received from the shared store",
	})
)

// RegisterMetrics pre-creates label sets so dashboards show zeroes before traffic.
func RegisterMetrics() {
	for _, reason := range []string{"client", "throttled", "heartbeat", "expired", "overflow", "shutdown"} {
		ConnectionsClosed.WithLabelValues(reason)
	}

	for _, reason := range []string{"unauthenticated", "forbidden", "invalid_token", "project_id", "rate_limited"} {
		UpgradesRejected.WithLabelValues(reason)
	}

	for _, origin := range []string{"live", "replay"} {
		MessagesDelivered.WithLabelValues(origin)
	}

	for _, method := range []string{
		"publish", "batchPublish", "subscribe", "batchSubscribe",
		"unsubscribe", "batchUnsubscribe", "fetchMessages", "batchFetchMessages",
	} {
		RPCRequests.WithLabelValues(method)
		RPCDuration.WithLabelValues(method)
	}

	for _, errType := range []string{"validation", "authentication", "rate_limit", "protocol", "store", "internal"} {
		ErrorsCount.WithLabelValues(errType)
	}

	for _, op := range []string{"put", "get", "ack", "notify"} {
		StoreOperations.WithLabelValues(op, "success")
		StoreOperations.WithLabelValues(op, "failure")
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState exposes the current breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state by component (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Registry Metrics
var (
	// ConnectionsCurrent tracks live streaming connections on this instance
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connections_current",
			Help: "Current number of registered streaming connections",
		},
	)

	// ConnectionsTotal tracks connections accepted since start
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_connections_total",
			Help: "Total streaming connections accepted",
		},
	)

	// ConnectionsRejected tracks connection attempts refused by admission control
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_connections_rejected_total",
			Help: "Total connection attempts rejected by reason",
		},
		[]string{"reason"},
	)

	// ActiveTopics tracks non-empty subscription groups
	ActiveTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_topics",
			Help: "Number of topics with at least one local subscriber",
		},
	)

	// DeliveriesTotal counts per-connection enqueue attempts from fan-out
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_deliveries_total",
			Help: "Fan-out enqueue attempts by result (queued/dropped)",
		},
		[]string{"result"},
	)

	// TransportErrors counts connections torn down after a send failure
	TransportErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_transport_errors_total",
			Help: "Connections torn down after a transport write failure",
		},
	)

	// ProtocolErrors counts malformed or unknown inbound control frames
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_protocol_errors_total",
			Help: "Inbound control frames ignored by reason",
		},
		[]string{"reason"},
	)
)

// Outbound Queue Metrics
var (
	// QueueDropsTotal counts messages rejected by a full tier
	QueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_queue_drops_total",
			Help: "Messages dropped because their priority tier was full",
		},
		[]string{"priority"},
	)

	// QueuePressureTotal counts drain cycles that found a queue under pressure
	QueuePressureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_queue_pressure_total",
			Help: "Drain cycles observed with a tier above the pressure ratio",
		},
	)

	// DrainBatchSize tracks messages flushed per drain cycle
	DrainBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_drain_batch_size",
			Help:    "Messages written per drain cycle",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// MessageQueueLatency tracks time between enqueue and write
	MessageQueueLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_message_queue_seconds",
			Help:    "Time a message spent buffered before being written",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// WriteDuration tracks wire write latency
	WriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_write_duration_seconds",
			Help:    "Time to write one frame to the transport",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Relay Metrics
var (
	// RelayPublishedTotal counts broker publishes by result
	RelayPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Broker publishes by result (ok/error/skipped)",
		},
		[]string{"result"},
	)

	// RelayReceivedTotal counts envelopes received from the broker by outcome
	RelayReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Broker envelopes received by outcome (delivered/self_echo/invalid)",
		},
		[]string{"outcome"},
	)

	// RelayBrokerErrors counts broker failures by operation
	RelayBrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_errors_total",
			Help: "Broker failures by operation",
		},
		[]string{"operation"},
	)

	// RelaySubscriptions tracks broker channels this instance is subscribed to
	RelaySubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscriptions_active",
			Help: "Broker channels currently subscribed by this instance",
		},
	)
)

// Scheduler Metrics
var (
	// BroadcastersActive tracks running topic broadcaster tasks
	BroadcastersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_broadcasters_active",
			Help: "Running topic broadcaster tasks",
		},
	)

	// FetchDuration tracks collaborator fetch latency by stream type
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_fetch_duration_seconds",
			Help:    "Upstream payload fetch duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"stream"},
	)

	// FetchErrors counts collaborator failures by stream type
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_fetch_errors_total",
			Help: "Upstream payload fetch failures",
		},
		[]string{"stream"},
	)

	// BroadcasterPanicsTotal tracks recovered panics in broadcaster tasks
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_panics_total",
			Help: "Broadcaster task panic recoveries",
		},
	)
)

// Coordination Metrics
var (
	// InstanceRegistrySize tracks instances with a recent heartbeat
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active instances in the registry",
		},
	)

	// InstancesPrunedTotal counts stale registry entries removed by the cleanup leader
	InstancesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instance_registry_pruned_total",
			Help: "Stale instance entries removed by the cleanup leader",
		},
	)
)

// HTTP Metrics
var (
	// HTTPErrorsTotal tracks HTTP errors by type
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total HTTP errors by error type",
		},
		[]string{"type"},
	)
)

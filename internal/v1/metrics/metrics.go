package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the meshcall signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: meshcall (application-level grouping)
// - subsystem: ws, presence, queue, match, call, turn, sfu, janitor, redis,
//   rate_limit, circuit_breaker (feature-level grouping)
// - name: specific metric (connections_active, size, duration_seconds, ...)
//
// Metric Types:
// - Gauge: Current state (connections, queue size, online users)
// - Counter: Cumulative events (matches made, calls initiated, errors)
// - Histogram: Latency distributions (match wait time, call duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshcall",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of bound, online users.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshcall",
		Subsystem: "presence",
		Name:      "users_online",
		Help:      "Current number of users with at least one bound connection",
	})

	// WebsocketEvents tracks the total number of inbound WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent handling WebSocket messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshcall",
		Subsystem: "ws",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// QueueSize tracks the current size of the matchmaking waiting queue.
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshcall",
		Subsystem: "queue",
		Name:      "size",
		Help:      "Current number of sids waiting in the matchmaking queue",
	})

	// BusyCount tracks the current number of sids marked busy (paired or in-call).
	BusyCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshcall",
		Subsystem: "queue",
		Name:      "busy_count",
		Help:      "Current number of sids marked busy",
	})

	// MatchesTotal tracks the total number of roulette pairs formed.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "match",
		Name:      "matches_total",
		Help:      "Total number of roulette matches formed",
	})

	// MatchWaitDuration tracks how long a sid waited in queue before being matched.
	MatchWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meshcall",
		Subsystem: "match",
		Name:      "wait_seconds",
		Help:      "Time a sid spent in the waiting queue before being matched",
		Buckets:   prometheus.DefBuckets,
	})

	// CallsInitiatedTotal tracks the total number of direct-call invitations sent.
	CallsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "call",
		Name:      "initiated_total",
		Help:      "Total number of direct-call invitations initiated",
	})

	// CallOutcomesTotal tracks how direct calls were resolved.
	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "call",
		Name:      "outcomes_total",
		Help:      "Total number of direct calls by terminal outcome",
	}, []string{"outcome"})

	// CallDuration tracks the wall-clock duration of accepted calls.
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meshcall",
		Subsystem: "call",
		Name:      "duration_seconds",
		Help:      "Duration of accepted direct calls, from accept to end",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// TurnCredentialsIssuedTotal tracks the total number of TURN credentials minted.
	TurnCredentialsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "turn",
		Name:      "credentials_issued_total",
		Help:      "Total number of TURN credentials minted",
	})

	// SFUTokensIssuedTotal tracks the total number of SFU access tokens minted.
	SFUTokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "sfu",
		Name:      "tokens_issued_total",
		Help:      "Total number of SFU access tokens minted",
	}, []string{"status"})

	// JanitorSweepsTotal tracks the total number of janitor sweep passes.
	JanitorSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "Total number of janitor sweep passes executed",
	})

	// JanitorRepairsTotal tracks the total number of stragglers the janitor repaired.
	JanitorRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "janitor",
		Name:      "repairs_total",
		Help:      "Total number of stale entries repaired by the janitor",
	}, []string{"kind"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec).
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshcall",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshcall",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshcall",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

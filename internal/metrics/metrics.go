package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/streamgate/internal/apperr"
)

// Bounded label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	PhaseGenesis     = "genesis"
	PhaseMaintenance = "maintenance"
	PhaseEvent       = "event"

	SourceQueue = "queue"
	SourceNATS  = "nats"
	SourceTimer = "timer"
)

// Exchange REST metrics
var (
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamgate_exchange_api_latency_ms",
		Help:    "Exchange REST call latency in milliseconds",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"market", "endpoint"})

	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_exchange_api_errors_total",
		Help: "Exchange REST call failures by taxonomy kind",
	}, []string{"market", "kind"})

	ExchangeUsedWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_exchange_used_weight_1m",
		Help: "Last reported request weight used in the current minute",
	}, []string{"market"})

	ExchangeOrderCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_exchange_order_count",
		Help: "Last reported order count per window",
	}, []string{"market", "window"})

	ExchangeGuardPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_exchange_guard_pauses_total",
		Help: "Times outbound calls were paused by the weight guard",
	}, []string{"market"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"service"})
)

// Session lifecycle metrics
var (
	OnboardingResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_onboarding_results_total",
		Help: "Per-credential onboarding and renewal outcomes",
	}, []string{"phase", "market", "result"})

	OnboardingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamgate_onboarding_duration_seconds",
		Help:    "Wall time of a Genesis or Maintenance run",
		Buckets: []float64{1, 5, 15, 60, 180, 600, 1800},
	}, []string{"phase"})

	StreamSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_stream_sessions",
		Help: "Stream sessions by market and status",
	}, []string{"market", "status"})
)

// Connection bus metrics
var (
	BusNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_bus_nodes",
		Help: "WebSocket nodes per market",
	}, []string{"market"})

	BusSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_bus_subscriptions",
		Help: "Listen keys subscribed across the nodes of a market",
	}, []string{"market"})

	BusReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_bus_reconnects_total",
		Help: "WebSocket reconnect attempts",
	}, []string{"market"})

	BusFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_bus_frames_total",
		Help: "Inbound frames by event type",
	}, []string{"market", "event"})
)

// Price and balance metrics
var (
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_price_updates_total",
		Help: "Ticker updates written to the price cache",
	}, []string{"exchange"})

	PriceHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_price_health",
		Help: "Price feed health (0=ok, 1=warning, 2=critical)",
	}, []string{"exchange"})

	BalanceRowsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_balance_rows_flushed_total",
		Help: "Balance rows persisted by incremental flushes",
	})

	BalanceFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_balance_flush_errors_total",
		Help: "Failed balance flushes",
	})

	BalancePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_balance_pending",
		Help: "Buffered balance updates awaiting flush",
	})

	BalanceSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_balance_snapshots_total",
		Help: "Balance snapshot transactions",
	}, []string{"account", "result"})
)

// Order execution metrics
var (
	Orders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_orders_total",
		Help: "Order requests by outcome",
	}, []string{"market", "result"})

	OrderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_order_failures_total",
		Help: "Failed order requests by taxonomy kind",
	}, []string{"market", "kind"})

	OrderExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamgate_order_execution_latency_ms",
		Help:    "Time from dequeue to persisted trade in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"market"})

	OrderQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgate_order_queue_depth",
		Help: "Queued order requests per market",
	}, []string{"market"})
)

// Process level metrics
var (
	OrchestratorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_orchestrator_events_total",
		Help: "Change events dispatched by type and source",
	}, []string{"type", "source"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_errors_total",
		Help: "Errors by taxonomy kind and component",
	}, []string{"kind", "component"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_redis_operations_total",
		Help: "Redis operations issued by the price mirror",
	}, []string{"operation"})

	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_redis_cache_hit_rate",
		Help: "Redis read hit rate (0.0 to 1.0)",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_http_requests_total",
		Help: "Operator HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamgate_http_request_duration_ms",
		Help:    "Operator HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
	}, []string{"method", "path", "status"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_database_connections_active",
		Help: "Acquired database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_database_connections_idle",
		Help: "Idle database connections",
	})
)

// RecordExchangeCall records a REST call latency and, on failure, its kind
func RecordExchangeCall(market, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(market, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(market, apperr.KindOf(err)).Inc()
	}
}

// RecordRateLimit records the rate-limit headers of a response
func RecordRateLimit(market string, usedWeight, orders10s, orders1m int) {
	if usedWeight >= 0 {
		ExchangeUsedWeight.WithLabelValues(market).Set(float64(usedWeight))
	}
	if orders10s >= 0 {
		ExchangeOrderCount.WithLabelValues(market, "10s").Set(float64(orders10s))
	}
	if orders1m >= 0 {
		ExchangeOrderCount.WithLabelValues(market, "1m").Set(float64(orders1m))
	}
}

// RecordOnboarding records one credential outcome of a phase
func RecordOnboarding(phase, market string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	OnboardingResults.WithLabelValues(phase, market, result).Inc()
}

// RecordOrder records the outcome of one order request
func RecordOrder(market string, durationMs float64, err error) {
	if err != nil {
		Orders.WithLabelValues(market, ResultFailure).Inc()
		OrderFailures.WithLabelValues(market, apperr.KindOf(err)).Inc()
		return
	}
	Orders.WithLabelValues(market, ResultSuccess).Inc()
	OrderExecutionLatency.WithLabelValues(market).Observe(durationMs)
}

// RecordError counts an error under its taxonomy kind
func RecordError(component string, err error) {
	if err == nil {
		return
	}
	Errors.WithLabelValues(apperr.KindOf(err), component).Inc()
}

// SetPriceHealth publishes the health level of one exchange feed
func SetPriceHealth(exchange string, level int) {
	PriceHealth.WithLabelValues(exchange).Set(float64(level))
}

// UpdateCircuitBreaker publishes a breaker state (0 closed, 1 open, 2 half open)
func UpdateCircuitBreaker(service string, state int) {
	CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordRedisOperation counts a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records an operator HTTP request
func RecordHTTPRequest(method, path, statusCode string, durationMs float64) {
	HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// UpdateDatabaseConnections publishes pool usage
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

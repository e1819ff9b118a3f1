// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lnescrow"

var (
	// HTTPRequestsTotal counts control API requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total control API requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes control API latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RelaySessionsOpened counts relay sessions opened by the scheduler.
	RelaySessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "sessions_opened_total",
		Help:      "Relay sessions opened.",
	})

	// RelaySessionsClosed counts relay sessions closed by reason.
	RelaySessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_closed_total",
			Help:      "Relay sessions closed by reason (idle, error, restart, stop).",
		},
		[]string{"reason"},
	)

	// RelaySessionOpen is 1 while a relay session is held open.
	RelaySessionOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "session_open",
		Help:      "Whether a relay session is currently open.",
	})

	// RelayCircuitTransitions counts per-relay dial breaker state changes.
	RelayCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuit_transitions_total",
			Help:      "Relay dial circuit breaker transitions by target state.",
		},
		[]string{"to_state"},
	)

	// RelayJobsTotal counts scheduler jobs by kind and outcome.
	RelayJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "jobs_total",
			Help:      "Relay jobs by kind and outcome (submitted, done, failed, cancelled, panic).",
		},
		[]string{"kind", "outcome"},
	)

	// RelayJobsRunning tracks jobs currently executing against a session.
	RelayJobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "jobs_running",
		Help:      "Relay jobs currently running.",
	})

	// AgentRequestsTotal counts dispatched agent requests by method and outcome.
	AgentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Requests handled by the agent by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// AgentPendingTrades tracks unfunded trades held in memory.
	AgentPendingTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "pending_trades",
		Help:      "Unfunded trades awaiting the maker's payment.",
	})

	// TradeTransitionsTotal counts trade state transitions by role and target state.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_transitions_total",
			Help:      "Trade state transitions by role and target state.",
		},
		[]string{"role", "state"},
	)

	// PayoutAttemptsTotal counts agent payout attempts by result.
	PayoutAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "payout_attempts_total",
			Help:      "Payout attempts by result (paid, retry, expired, timeout, error).",
		},
		[]string{"result"},
	)

	// ClientRequestDuration observes client round trips to agents.
	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Client request/response round trip time by method.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// ActiveWebSocketClients tracks connected notification subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected notification WebSocket clients.",
	})

	// WebhookDeliveries counts webhook events by outcome (delivered, failed, dropped).
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// WalletBridgeConnected is 1 while the NATS wallet bridge is connected.
	WalletBridgeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wallet_bridge_connected",
		Help:      "Whether the remote wallet bridge is connected.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RelaySessionsOpened,
		RelaySessionsClosed,
		RelaySessionOpen,
		RelayCircuitTransitions,
		RelayJobsTotal,
		RelayJobsRunning,
		AgentRequestsTotal,
		AgentPendingTrades,
		TradeTransitionsTotal,
		PayoutAttemptsTotal,
		ClientRequestDuration,
		ActiveWebSocketClients,
		WebhookDeliveries,
		WalletBridgeConnected,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Package metrics provides Prometheus instrumentation for the Peerswap exchange.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerswap",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OffersTotal counts offers entering each lifecycle status.
	OffersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "offers_total",
			Help:      "Total offers by lifecycle status entered.",
		},
		[]string{"status"},
	)

	// ReservationsTotal counts reserve attempts by result.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "offer_reservations_total",
			Help:      "Total offer reservation attempts by result.",
		},
		[]string{"result"},
	)

	// TradesTotal counts trades entering each lifecycle status.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "trades_total",
			Help:      "Total trades by lifecycle status entered.",
		},
		[]string{"status"},
	)

	// RailCallsTotal counts settlement rail calls by operation and result.
	RailCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "rail_calls_total",
			Help:      "Total settlement rail calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// RailRetriesExhaustedTotal counts rail operations that ran out of retry budget.
	RailRetriesExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerswap",
		Name:      "rail_retries_exhausted_total",
		Help:      "Total rail operations abandoned after exhausting the retry budget.",
	})

	// EscrowsTotal counts escrow contracts entering each status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "escrows_total",
			Help:      "Total escrow contracts by status entered.",
		},
		[]string{"status"},
	)

	// EscrowDuration observes time from lock to release or refund.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peerswap",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow lock to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// DisputesTotal counts dispute lifecycle transitions.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "disputes_total",
			Help:      "Total disputes by lifecycle status entered.",
		},
		[]string{"status"},
	)

	// DisputeLeasesExpiredTotal counts claims returned to the open pool after SLA expiry.
	DisputeLeasesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerswap",
		Name:      "dispute_leases_expired_total",
		Help:      "Total dispute review leases that expired past the SLA.",
	})

	// SyncEventsTotal counts events published to the sync hub by topic kind.
	SyncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "sync_events_total",
			Help:      "Total events published to the sync hub by topic kind.",
		},
		[]string{"kind"},
	)

	// SyncResyncsTotal counts subscribers told to resync after a replay gap.
	SyncResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerswap",
		Name:      "sync_resyncs_total",
		Help:      "Total subscribers signalled to resync because the replay buffer could not cover their gap.",
	})

	// ActiveSyncClients tracks connected WebSocket subscribers.
	ActiveSyncClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerswap",
			Name:      "active_sync_clients",
			Help:      "Number of currently connected sync subscribers.",
		},
	)

	// NotificationsTotal counts notification delivery attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerswap",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerswap", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OffersTotal,
		ReservationsTotal,
		TradesTotal,
		RailCallsTotal,
		RailRetriesExhaustedTotal,
		EscrowsTotal,
		EscrowDuration,
		DisputesTotal,
		DisputeLeasesExpiredTotal,
		SyncEventsTotal,
		SyncResyncsTotal,
		ActiveSyncClients,
		NotificationsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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

// Package metrics provides Prometheus instrumentation for the OjaPay platform.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ojapay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersPlacedTotal counts escrow orders opened.
	OrdersPlacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "orders_placed_total",
			Help:      "Total escrow orders placed.",
		},
	)

	// ReleasesTotal counts fund releases by outcome (released, skipped, failed).
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "releases_total",
			Help:      "Total release attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DisputesTotal counts dispute operations by action (raised, pay_seller, refund_buyer).
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "disputes_total",
			Help:      "Total dispute operations by action.",
		},
		[]string{"action"},
	)

	// SweepRunsTotal counts auto-release sweep executions.
	SweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "sweep_runs_total",
			Help:      "Total auto-release sweep runs.",
		},
	)

	// SweepDuration observes how long one sweep run takes.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ojapay",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one auto-release sweep run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ActiveWebSocketClients tracks currently connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ojapay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// NotificationsTotal counts outbound notifications by result (sent, failed, dropped).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojapay",
			Name:      "notifications_total",
			Help:      "Total outbound notifications by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersPlacedTotal,
		ReleasesTotal,
		DisputesTotal,
		SweepRunsTotal,
		SweepDuration,
		ActiveWebSocketClients,
		NotificationsTotal,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketchat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_ws_events_total",
			Help: "Total number of websocket events by type.",
		},
		[]string{"event"},
	)
	backplanePublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_backplane_publish_errors_total",
			Help: "Total number of backplane publish errors.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketchat_online_users",
			Help: "Number of users with at least one active connection on this instance.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		backplanePublishErrorsTotal,
		amqpPublishErrorsTotal,
		onlineUsers,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncBackplanePublishError() { backplanePublishErrorsTotal.Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func SetOnlineUsers(n int) { onlineUsers.Set(float64(n)) }

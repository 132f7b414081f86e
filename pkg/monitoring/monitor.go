package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// TreeOperations 题目树操作次数，status 为 ok / error
	TreeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tree_operations_total",
			Help: "Total number of test tree operations",
		},
		[]string{"operation", "status"},
	)

	// TreeAttachments 附件动作：upload / stage / delete / discard
	TreeAttachments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tree_attachments_total",
			Help: "Total number of attachment actions performed by tree operations",
		},
		[]string{"action"},
	)

	RenderCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tree_render_cache_lookups_total",
			Help: "Render cache lookups by result",
		},
		[]string{"result"},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(TreeOperations)
	prometheus.MustRegister(TreeAttachments)
	prometheus.MustRegister(RenderCacheLookups)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

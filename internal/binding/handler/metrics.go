package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bindRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	bindRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "constellation_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	bindEnrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_enrollments_total",
		Help: "Total device enrollments by anchor kind.",
	}, []string{"anchor_kind"})

	bindWitnessRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "constellation_witness_rounds_total",
		Help: "Total completed cross-witnessing rounds.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		bindRequestsTotal.WithLabelValues(method, path, status).Inc()
		bindRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEnrollment counts a successful enrollment by anchor kind.
func RecordEnrollment(kind string) {
	bindEnrollmentsTotal.WithLabelValues(kind).Inc()
}

// RecordWitnessRound counts a completed cross-witnessing round.
func RecordWitnessRound() {
	bindWitnessRoundsTotal.Inc()
}

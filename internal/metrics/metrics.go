// Package metrics holds the process-wide Prometheus collectors and the
// recorder functions components are wired with.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/systemcmd0122/toramori/internal/auth"
	"github.com/systemcmd0122/toramori/internal/netcall"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toramori_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toramori_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	netcallEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toramori_netcall_events_total",
		Help: "Cached call events by executor and kind.",
	}, []string{"executor", "kind"})

	authTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toramori_auth_transitions_total",
		Help: "Derived auth state transitions.",
	}, []string{"from", "to"})

	regionVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toramori_region_verifications_total",
		Help: "Region code redemptions by result.",
	}, []string{"result"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toramori_sessions_active",
		Help: "Client sessions currently held by the API.",
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
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordNetcallEvent satisfies netcall.EventRecorder.
func RecordNetcallEvent(executor string, kind netcall.EventKind) {
	netcallEventsTotal.WithLabelValues(executor, kind.String()).Inc()
}

// RecordAuthTransition satisfies auth.TransitionRecorder.
func RecordAuthTransition(from, to auth.Kind) {
	authTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordRegionVerification records a region code redemption attempt.
func RecordRegionVerification(success bool) {
	if success {
		regionVerificationsTotal.WithLabelValues("success").Inc()
	} else {
		regionVerificationsTotal.WithLabelValues("failure").Inc()
	}
}

// SetSessionsActive sets the active client session gauge.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

var (
	_ netcall.EventRecorder   = RecordNetcallEvent
	_ auth.TransitionRecorder = RecordAuthTransition
)

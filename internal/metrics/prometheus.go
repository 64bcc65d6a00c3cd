// Package metrics provides Prometheus metrics collection for the governance engine
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openacr",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Detection metrics
var (
	// ScansTotal counts detector scans by detector and outcome.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "scans_total",
			Help:      "Total number of detector scans",
		},
		[]string{"detector", "outcome"}, // detector: drift, overpriv, sod; outcome: success, error
	)

	// ScanDuration observes per-tenant scan latency.
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "openacr",
			Name:      "scan_duration_seconds",
			Help:      "Per-tenant detector scan latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"detector"},
	)

	// FindingsTotal counts findings written by the detectors.
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "findings_total",
			Help:      "Total number of detector findings",
		},
		[]string{"type", "action"}, // type: drift, overpriv, sod; action: created, updated, resolved
	)
)

// Campaign metrics
var (
	// ReviewDecisionsTotal counts recorded review-item decisions.
	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "review_decisions_total",
			Help:      "Total number of review item decisions recorded",
		},
		[]string{"decision"}, // approved, revoked, deferred
	)

	// RemindersSentTotal counts campaign reminders delivered.
	RemindersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "reminders_sent_total",
			Help:      "Total number of campaign reminders sent",
		},
	)

	// EscalationsTotal counts overdue-review escalations.
	EscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "escalations_total",
			Help:      "Total number of overdue review escalations",
		},
	)

	// NotificationFailuresTotal counts soft notification delivery failures.
	NotificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "notification_failures_total",
			Help:      "Total number of failed notification deliveries (soft errors)",
		},
	)

	// EnforcementFailuresTotal counts access-link calls that failed after a
	// revoked decision was recorded.
	EnforcementFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "enforcement_failures_total",
			Help:      "Total number of failed downstream entitlement removals",
		},
	)
)

// Orchestrator metrics
var (
	// TicksTotal counts orchestrator job ticks by outcome.
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "orchestrator_ticks_total",
			Help:      "Total number of orchestrator job ticks",
		},
		[]string{"job", "outcome"}, // outcome: success, partial, error, skipped
	)

	// TenantFailuresTotal counts isolated per-tenant failures within ticks.
	TenantFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "openacr",
			Name:      "orchestrator_tenant_failures_total",
			Help:      "Total number of per-tenant failures isolated during ticks",
		},
		[]string{"job"},
	)
)

// GinMiddleware records HTTP request metrics
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics endpoint handler
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Package metrics exposes prometheus instruments for the workflow and
// the HTTP surface. The registry is served at /metrics by the server.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	IngestedRows     *prometheus.CounterVec
	ReconcileOps     *prometheus.CounterVec
	BatchTransitions *prometheus.CounterVec
	Adjudications    *prometheus.CounterVec
}

// New builds and registers the instruments on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beneflow_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beneflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		IngestedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beneflow_ingested_rows_total",
			Help: "Spreadsheet rows processed by outcome (valid, invalid).",
		}, []string{"outcome"}),
		ReconcileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beneflow_reconcile_ops_total",
			Help: "Roster reconciliation operations by kind (create, update, terminate, unchanged).",
		}, []string{"kind"}),
		BatchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beneflow_batch_transitions_total",
			Help: "Batch lifecycle transitions by target status.",
		}, []string{"to"}),
		Adjudications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beneflow_adjudications_total",
			Help: "Per-worker insurer adjudications by decision.",
		}, []string{"decision"}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.IngestedRows,
		m.ReconcileOps,
		m.BatchTransitions,
		m.Adjudications,
	)
	return m
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Package metrics provides Prometheus instrumentation for the facilitator.
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
			Namespace: "facilitator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facilitator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationsTotal counts envelope verifications by outcome
	// (valid, signer_mismatch, expired, replay, malformed).
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "verifications_total",
			Help:      "Total envelope verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementsTotal counts settlement attempts by outcome
	// (settled, duplicate, retryable_error, fatal_error).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementDuration observes time from submission to finality.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Name:      "settlement_duration_seconds",
		Help:      "Time from settlement submission to chain finality in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// EscrowTransitionsTotal counts state machine transitions by target state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target state.",
		},
		[]string{"state"},
	)

	// RegistryRejectionsTotal counts validation responses rejected at
	// ingestion (zero_hash, conflict_of_interest, unauthorized_tag).
	RegistryRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "registry_rejections_total",
			Help:      "Total validation responses rejected at ingestion by reason.",
		},
		[]string{"reason"},
	)

	// DisputesTotal counts dispute classifications by severity.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "disputes_total",
			Help:      "Total dispute evaluations by severity.",
		},
		[]string{"severity"},
	)

	// ReconcilerRunsTotal counts reconciler sweeps by result.
	ReconcilerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "reconciler_runs_total",
			Help:      "Total reconciler sweeps by result.",
		},
		[]string{"result"},
	)

	// UnconfirmedPayments tracks payments awaiting finality.
	UnconfirmedPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "unconfirmed_payments",
		Help:      "Number of payments awaiting chain finality.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VerificationsTotal,
		SettlementsTotal,
		SettlementDuration,
		EscrowTransitionsTotal,
		RegistryRejectionsTotal,
		DisputesTotal,
		ReconcilerRunsTotal,
		UnconfirmedPayments,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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

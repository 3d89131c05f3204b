// Package telemetry provides application-level observability for the sync and
// ledger core.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<FLT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped every 15–60 seconds. It is
// NOT served by the Gin router, keeping the scrape path off the public ingress
// and away from rate-limiting middleware.
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as
// /api/v1/ledger/events/:id/verify) rather than the raw request URL to prevent
// unbounded label cardinality from user-supplied path segments.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Sync metrics — recorded by the batch processor, change puller, and resolver.
//
// SyncOperationsTotal counts individual batch operations by operation type
// (create_job, update_hazard, ...) and outcome (success, conflict, error).
// An elevated conflict ratio for one operation type usually means a client
// build is submitting stale updated_at values.
//
// Example PromQL queries:
//   - Conflict ratio:       sum(rate(sync_operations_total{outcome="conflict"}[15m])) / sum(rate(sync_operations_total[15m]))
//   - Busiest op types:     topk(5, sum by (type) (rate(sync_operations_total[1h])))
//
// SyncConflictsResolvedTotal counts resolutions by chosen strategy.
// SyncPullRowsTotal counts rows returned by the change puller, by entity kind.
var (
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Total number of sync batch operations processed, by operation type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	SyncConflictsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_resolved_total",
			Help: "Total number of conflict resolutions applied, by strategy.",
		},
		[]string{"strategy"},
	)

	SyncPullRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_pull_rows_total",
			Help: "Total number of rows returned by the change puller, by entity kind.",
		},
		[]string{"entity"},
	)
)

// Ledger metrics — recorded by the ledger writer and verifier.
//
// LedgerAppendsTotal counts successful chain appends by organization-agnostic
// event namespace (the part of the event name before the first dot) to keep
// cardinality bounded.
//
// LedgerAppendFailuresTotal counts appends that failed after exhausting
// retries. Any nonzero rate deserves an alert: a mutation committed without
// its ledger entry weakens the chain's completeness guarantee.
//
// LedgerAppendRetriesTotal counts unique-constraint collisions on
// (organization_id, ledger_seq) that were resolved by re-reading the tail.
// A high rate indicates heavy concurrent write traffic for single organizations.
//
// LedgerVerifyFailuresTotal counts verification calls that found a hash
// mismatch or a broken chain link. In a healthy deployment this stays at zero
// forever; any increase means tampering or corruption.
var (
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Total number of ledger entries appended, by event namespace.",
		},
		[]string{"namespace"},
	)

	LedgerAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_append_failures_total",
			Help: "Total number of ledger appends that failed after exhausting retries.",
		},
	)

	LedgerAppendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_append_retries_total",
			Help: "Total number of ledger append retries caused by concurrent sequence collisions.",
		},
	)

	LedgerVerifyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_verify_failures_total",
			Help: "Total number of verification calls reporting a hash mismatch or broken chain, by check.",
		},
		[]string{"check"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}

// Package telemetry provides metrics and logging setup for relaypost.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<RP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Publish attempts per platform and outcome
//   - Sweep duration and per-sweep item counts
//   - Worker queue leases and reports
//   - OAuth flow completions and token refreshes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/jobs/:id)
// rather than the raw request URL. Platform labels are bounded by the four
// supported platforms.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
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

// Publish metrics, recorded once per platform dispatch.
//
// PublishAttemptsTotal has labels {platform, status} where status is
// "success" or the failure class (rate_limited, auth_expired, rejected,
// transient, not_connected, error).
//
// Example PromQL queries:
//   - Failure ratio per platform:  sum by (platform) (rate(publish_attempts_total{status!="success"}[1h])) / sum by (platform) (rate(publish_attempts_total[1h]))
var (
	PublishAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_attempts_total",
			Help: "Total number of publish dispatches, by platform and outcome.",
		},
		[]string{"platform", "status"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Time spent publishing to one platform, including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)
)

// Sweep metrics.
//
// SweepItemsTotal has label {kind} ("schedule" or "job") and counts the
// items dispatched, regardless of outcome.
var (
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of a complete publish sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_items_total",
			Help: "Total number of schedules and one-off jobs dispatched by sweeps.",
		},
		[]string{"kind"},
	)
)

// Worker queue metrics.
//
// An alert on a growing JobReportsTotal{outcome="failure"} rate with a flat
// success rate usually means the automation worker's sessions expired.
var (
	JobsLeasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_leased_total",
			Help: "Total number of automation jobs handed to workers.",
		},
	)

	JobReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_reports_total",
			Help: "Total number of worker job reports, by outcome.",
		},
		[]string{"outcome"},
	)
)

// OAuth metrics.
var (
	OAuthFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_flows_total",
			Help: "Total number of completed OAuth callbacks, by platform and result.",
		},
		[]string{"platform", "result"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Total number of background token refreshes, by platform and result.",
		},
		[]string{"platform", "result"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds and
// updates DBOpenConnections. The goroutine exits once the database becomes
// unreachable, which happens on shutdown after db.Close().
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

// Package metrics provides Prometheus instrumentation for the risk pipeline.
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
			Namespace: "sentinelroad",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinelroad",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProviderRequestsTotal counts outbound provider calls by source and result.
	// Result is one of: ok, error, rate_limited, circuit_open.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinelroad",
			Name:      "provider_requests_total",
			Help:      "Outbound provider requests by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// CacheRequestsTotal counts cache lookups by logical source and outcome.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinelroad",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by source and outcome (hit, miss, expired).",
		},
		[]string{"source", "outcome"},
	)

	// RiskPassesTotal counts calculation passes by final status.
	RiskPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinelroad",
			Name:      "risk_passes_total",
			Help:      "Risk calculation passes by final status (completed, partial, cancelled).",
		},
		[]string{"status"},
	)

	// RiskPassDuration observes full calculation pass duration.
	RiskPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinelroad",
		Name:      "risk_pass_duration_seconds",
		Help:      "Duration of a full risk calculation pass in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// LocationsScoredTotal counts sample locations scored successfully.
	LocationsScoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinelroad",
		Name:      "locations_scored_total",
		Help:      "Sample locations scored successfully.",
	})

	// LocationsSkippedTotal counts sample locations skipped due to failures.
	LocationsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinelroad",
		Name:      "locations_skipped_total",
		Help:      "Sample locations skipped due to per-location failures.",
	})

	// GeocodeRequestsTotal counts geocoding attempts by result (ok, miss, error).
	GeocodeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinelroad",
			Name:      "geocode_requests_total",
			Help:      "Geocoding attempts by result.",
		},
		[]string{"result"},
	)

	// IncidentsNormalizedTotal counts normalized incidents by category.
	IncidentsNormalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinelroad",
			Name:      "incidents_normalized_total",
			Help:      "Incidents accepted by the normalizer, by category.",
		},
		[]string{"category"},
	)

	// IncidentDuplicatesTotal counts near-duplicate incidents merged away.
	IncidentDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinelroad",
		Name:      "incident_duplicates_total",
		Help:      "Near-duplicate incidents merged during normalization.",
	})

	// ClustersFound tracks the cluster count of the most recent analysis run.
	ClustersFound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelroad",
		Name:      "clusters_found",
		Help:      "Clusters found in the most recent incident analysis.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinelroad",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelroad", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelroad", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelroad", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelroad", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		CacheRequestsTotal,
		RiskPassesTotal,
		RiskPassDuration,
		LocationsScoredTotal,
		LocationsSkippedTotal,
		GeocodeRequestsTotal,
		IncidentsNormalizedTotal,
		IncidentDuplicatesTotal,
		ClustersFound,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
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
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grokghibli"

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Token pool metrics
	TokenSelectionsTotal   *prometheus.CounterVec
	TokenQuotaExceeded     *prometheus.CounterVec
	TokenQuotaAutoClears   *prometheus.CounterVec
	TokenReleasesTotal     *prometheus.CounterVec
	TokenUsageMinutesTotal *prometheus.CounterVec
	TokenMinutesUsed       *prometheus.GaugeVec
	TokenAvailable         *prometheus.GaugeVec
	TokenResetsTotal       prometheus.Counter

	// Transform job metrics
	TransformRequestsTotal *prometheus.CounterVec
	TransformDuration      *prometheus.HistogramVec
	TransformRetriesTotal  *prometheus.CounterVec

	// Task cache metrics
	CacheOperationsTotal *prometheus.CounterVec
	CacheFallbacksTotal  *prometheus.CounterVec

	// External API metrics
	ExternalAPIRequestsTotal *prometheus.CounterVec
	ExternalAPIErrorsTotal   *prometheus.CounterVec
	ExternalAPIDuration      *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryTotal    *prometheus.CounterVec
	DBErrorsTotal   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// defaultBuckets are the default histogram buckets for duration metrics (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// jobBuckets cover backend image generation, which takes tens of seconds
var jobBuckets = []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180}

// globalMetrics is the global metrics instance
var globalMetrics *Metrics

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		// Token pool metrics
		TokenSelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "selections_total",
				Help:      "Total number of token selection attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokenQuotaExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "quota_exceeded_total",
				Help:      "Total number of backend quota rejections per token",
			},
			[]string{"token"},
		),
		TokenQuotaAutoClears: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "quota_auto_clears_total",
				Help:      "Total number of quota-exceeded flags cleared after the cooldown",
			},
			[]string{"token"},
		),
		TokenReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "releases_total",
				Help:      "Total number of tokens returned to the pool by reason",
			},
			[]string{"reason"},
		),
		TokenUsageMinutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "usage_minutes_total",
				Help:      "Total backend minutes charged per token",
			},
			[]string{"token"},
		),
		TokenMinutesUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "minutes_used_today",
				Help:      "Backend minutes used today per token",
			},
			[]string{"token"},
		),
		TokenAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "available",
				Help:      "Whether the token is currently selectable (1) or not (0)",
			},
			[]string{"token"},
		),
		TokenResetsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "daily_resets_total",
				Help:      "Total number of daily usage resets",
			},
		),

		// Transform job metrics
		TransformRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transform",
				Name:      "requests_total",
				Help:      "Total number of transform jobs by final status",
			},
			[]string{"status"},
		),
		TransformDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transform",
				Name:      "duration_seconds",
				Help:      "Duration of transform jobs in seconds",
				Buckets:   jobBuckets,
			},
			[]string{"status"},
		),
		TransformRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transform",
				Name:      "retries_total",
				Help:      "Total number of transform retries on a different token",
			},
			[]string{"reason"},
		),

		// Task cache metrics
		CacheOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "operations_total",
				Help:      "Total number of task cache operations",
			},
			[]string{"operation", "backend"},
		),
		CacheFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "fallbacks_total",
				Help:      "Total number of task cache operations served by the local fallback",
			},
			[]string{"operation"},
		),

		// External API metrics
		ExternalAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "requests_total",
				Help:      "Total number of external API requests",
			},
			[]string{"service", "operation"},
		),
		ExternalAPIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "errors_total",
				Help:      "Total number of external API errors",
			},
			[]string{"service", "operation", "error_type"},
		),
		ExternalAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "duration_seconds",
				Help:      "Duration of external API calls in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"service", "operation"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "query_duration_seconds",
				Help:      "Duration of database queries in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"operation", "table"},
		),
		DBQueryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "queries_total",
				Help:      "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "errors_total",
				Help:      "Total number of database errors",
			},
			[]string{"operation", "table"},
		),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		// Circuit breaker metrics
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"service"},
		),
	}

	return m
}

// InitMetrics initializes the global metrics instance
func InitMetrics() *Metrics {
	globalMetrics = NewMetrics(nil)
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordTokenSelection records the outcome of a token selection (selected or exhausted)
func (m *Metrics) RecordTokenSelection(outcome string) {
	m.TokenSelectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenQuotaExceeded records a backend quota rejection for a token
func (m *Metrics) RecordTokenQuotaExceeded(token string) {
	m.TokenQuotaExceeded.WithLabelValues(token).Inc()
}

// RecordTokenQuotaAutoClear records a quota flag cleared after the cooldown
func (m *Metrics) RecordTokenQuotaAutoClear(token string) {
	m.TokenQuotaAutoClears.WithLabelValues(token).Inc()
}

// RecordTokenRelease records a token returned to the pool
func (m *Metrics) RecordTokenRelease(reason string) {
	m.TokenReleasesTotal.WithLabelValues(reason).Inc()
}

// RecordTokenUsage records charged minutes for a token
func (m *Metrics) RecordTokenUsage(token string, minutes float64) {
	m.TokenUsageMinutesTotal.WithLabelValues(token).Add(minutes)
}

// SetTokenState sets the per-token usage and availability gauges
func (m *Metrics) SetTokenState(token string, minutesUsed float64, available bool) {
	m.TokenMinutesUsed.WithLabelValues(token).Set(minutesUsed)
	if available {
		m.TokenAvailable.WithLabelValues(token).Set(1)
	} else {
		m.TokenAvailable.WithLabelValues(token).Set(0)
	}
}

// RecordTokenReset records a daily usage reset
func (m *Metrics) RecordTokenReset() {
	m.TokenResetsTotal.Inc()
}

// RecordTransform records the final status and duration of a transform job
func (m *Metrics) RecordTransform(status string, duration time.Duration) {
	m.TransformRequestsTotal.WithLabelValues(status).Inc()
	m.TransformDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransformRetry records a transform retried on another token
func (m *Metrics) RecordTransformRetry(reason string) {
	m.TransformRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordCacheOperation records a task cache operation against a backend (redis or memory)
func (m *Metrics) RecordCacheOperation(operation, backend string) {
	m.CacheOperationsTotal.WithLabelValues(operation, backend).Inc()
}

// RecordCacheFallback records a task cache operation served by the local fallback
func (m *Metrics) RecordCacheFallback(operation string) {
	m.CacheFallbacksTotal.WithLabelValues(operation).Inc()
}

// RecordExternalAPIRequest records an external API request
func (m *Metrics) RecordExternalAPIRequest(service, operation string) {
	m.ExternalAPIRequestsTotal.WithLabelValues(service, operation).Inc()
}

// RecordExternalAPIError records an external API error
func (m *Metrics) RecordExternalAPIError(service, operation, errorType string) {
	m.ExternalAPIErrorsTotal.WithLabelValues(service, operation, errorType).Inc()
}

// RecordExternalAPIDuration records the duration of an external API call
func (m *Metrics) RecordExternalAPIDuration(service, operation string, duration time.Duration) {
	m.ExternalAPIDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration) {
	m.DBQueryTotal.WithLabelValues(operation, table).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordDBError records a database error
func (m *Metrics) RecordDBError(operation, table string) {
	m.DBErrorsTotal.WithLabelValues(operation, table).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// SetCircuitBreakerState sets the current state of a circuit breaker
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(service string) {
	m.CircuitBreakerTrips.WithLabelValues(service).Inc()
}

// Timer is a helper for timing operations
type Timer struct {
	start   time.Time
	metrics *Metrics
}

// NewTimer creates a new timer
func (m *Metrics) NewTimer() *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: m,
	}
}

// ObserveTransform records the transform job duration and status
func (t *Timer) ObserveTransform(status string) {
	t.metrics.RecordTransform(status, time.Since(t.start))
}

// ObserveExternalAPI records the external API duration
func (t *Timer) ObserveExternalAPI(service, operation string) {
	t.metrics.RecordExternalAPIDuration(service, operation, time.Since(t.start))
}

// ObserveDB records the database query duration
func (t *Timer) ObserveDB(operation, table string) {
	t.metrics.RecordDBQuery(operation, table, time.Since(t.start))
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

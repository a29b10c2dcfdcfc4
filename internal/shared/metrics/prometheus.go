package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	admissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"decision"},
	)

	quotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_usage_ratio",
			Help: "Fraction of each quota consumed in the current window",
		},
		[]string{"quota"},
	)

	quotaAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_alerts_total",
			Help: "Total number of quota alerts fired",
		},
		[]string{"kind"},
	)

	extractionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_calls_total",
			Help: "Total number of extraction service calls",
		},
		[]string{"outcome"},
	)

	extractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extraction_call_duration_seconds",
			Help:    "Extraction service call duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
	)

	extractionCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extraction_cost_total",
			Help: "Total committed extraction cost in currency units",
		},
	)

	validationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_outcomes_total",
			Help: "Total number of validated concepts by status",
		},
		[]string{"status"},
	)

	consensusConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_confidence",
			Help:    "Confidence of reconciled consensus concepts",
			Buckets: []float64{.1, .25, .33, .5, .67, .75, .9, 1},
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath prefers the matched chi route pattern so path parameters
// do not explode label cardinality
func normalizePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Business metric helpers ---

// RecordAdmission records an admission decision
func RecordAdmission(decision string) {
	admissionDecisions.WithLabelValues(decision).Inc()
}

// RecordQuotaUsage records how much of a quota the current window consumed
func RecordQuotaUsage(quota string, used, limit float64) {
	if limit <= 0 {
		return
	}
	quotaUsage.WithLabelValues(quota).Set(used / limit)
}

// RecordQuotaAlert records a fired quota alert
func RecordQuotaAlert(kind string) {
	quotaAlerts.WithLabelValues(kind).Inc()
}

// RecordExtractionCall records one call to the extraction service
func RecordExtractionCall(outcome string, duration time.Duration) {
	extractionCalls.WithLabelValues(outcome).Inc()
	extractionDuration.Observe(duration.Seconds())
}

// RecordExtractionCost records committed extraction cost
func RecordExtractionCost(cost float64) {
	if cost > 0 {
		extractionCost.Add(cost)
	}
}

// RecordValidation records a validated concept
func RecordValidation(status string) {
	validationOutcomes.WithLabelValues(status).Inc()
}

// RecordConsensus records the confidence of a consensus concept
func RecordConsensus(confidence float64) {
	consensusConfidence.Observe(confidence)
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

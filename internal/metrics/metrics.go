// Package metrics exposes Prometheus collectors for the scan service.
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
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a11y_scans_total",
			Help: "Total number of scans reaching a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	scansActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "a11y_scans_active",
			Help: "Number of scans currently being processed by this process.",
		},
	)

	claimRacesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a11y_claim_races_lost_total",
			Help: "Total claim attempts that lost the queued to running transition.",
		},
	)

	staleScansFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a11y_stale_scans_failed_total",
			Help: "Total running scans failed by the stale scan reaper.",
		},
	)

	robotsDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a11y_robots_decisions_total",
			Help: "Total robots.txt evaluations, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	findingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a11y_findings_total",
			Help: "Total findings recorded, labeled by severity.",
		},
		[]string{"severity"},
	)

	unmappedRules = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a11y_unmapped_rules_total",
			Help: "Total audit rules seen that have no WCAG mapping or fix hint, labeled by rule id.",
		},
		[]string{"rule_id"},
	)

	viewportDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a11y_viewport_stage_duration_seconds",
			Help:    "Histogram of per-viewport browser stage durations.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"viewport", "stage"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan increments the terminal scan counter.
func ObserveScan(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// IncActiveScans increments the active scans gauge.
func IncActiveScans() {
	scansActive.Inc()
}

// DecActiveScans decrements the active scans gauge.
func DecActiveScans() {
	scansActive.Dec()
}

// ObserveClaimRaceLost records a claim that another worker won.
func ObserveClaimRaceLost() {
	claimRacesLost.Inc()
}

// ObserveStaleFailed records scans failed by the reaper.
func ObserveStaleFailed(n int) {
	if n > 0 {
		staleScansFailed.Add(float64(n))
	}
}

// ObserveRobots records a robots.txt evaluation outcome.
func ObserveRobots(outcome string) {
	robotsDecisions.WithLabelValues(outcome).Inc()
}

// ObserveFindings adds count findings of the given severity.
func ObserveFindings(severity string, count int) {
	if count > 0 {
		findingsTotal.WithLabelValues(severity).Add(float64(count))
	}
}

// ObserveUnmappedRule records an audit rule the catalog cannot enrich.
func ObserveUnmappedRule(ruleID string) {
	unmappedRules.WithLabelValues(ruleID).Inc()
}

// ObserveViewportStage records how long a browser stage took for a viewport.
func ObserveViewportStage(viewport, stage string, duration time.Duration) {
	viewportDurationSeconds.WithLabelValues(viewport, stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

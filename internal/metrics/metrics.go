// Package metrics exposes the pipeline's Prometheus metrics, generalizing
// internal/shared/metrics/prometheus.go's HTTP+business-counter shape from
// case/document/federation counters onto this domain's stage/queue/LLM
// counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ieim_http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "ieim_http_requests_in_flight", Help: "Number of HTTP requests currently being processed"},
	)

	messagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_messages_processed_total", Help: "Total number of messages that completed a pipeline stage"},
		[]string{"stage"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ieim_stage_duration_seconds", Help: "Pipeline stage duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"stage"},
	)
	routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_routing_decisions_total", Help: "Total number of routing decisions by queue"},
		[]string{"queue_id", "fail_closed"},
	)
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_llm_calls_total", Help: "Total number of LLM fallback calls"},
		[]string{"stage", "outcome"}, // outcome: hit, miss, fail_closed, cap_exceeded
	)
	reviewItemsOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_review_items_created_total", Help: "Total number of HITL review items created"},
		[]string{"queue_id"},
	)
	caseAdapterOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "ieim_case_adapter_outcomes_total", Help: "Total number of case adapter stage outcomes"},
		[]string{"status"}, // NOOP, BLOCKED, OK, FAILED
	)
	auditEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "ieim_audit_events_total", Help: "Total number of audit events appended"},
	)
)

func Handler() http.Handler { return promhttp.Handler() }

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// RecordStageProcessed records that one message completed a pipeline stage.
func RecordStageProcessed(stage string, duration time.Duration) {
	messagesProcessedTotal.WithLabelValues(stage).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRoutingDecision records a routing decision's queue and fail-closed flag.
func RecordRoutingDecision(queueID string, failClosed bool) {
	routingDecisionsTotal.WithLabelValues(queueID, strconv.FormatBool(failClosed)).Inc()
}

// RecordLLMCall records one LLM fallback call outcome.
func RecordLLMCall(stage, outcome string) {
	llmCallsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordReviewItemCreated records a new HITL review item.
func RecordReviewItemCreated(queueID string) {
	reviewItemsOpenTotal.WithLabelValues(queueID).Inc()
}

// RecordCaseAdapterOutcome records the case adapter stage's outcome status.
func RecordCaseAdapterOutcome(status string) {
	caseAdapterOutcomesTotal.WithLabelValues(status).Inc()
}

// RecordAuditEvent records one audit log append.
func RecordAuditEvent() {
	auditEventsTotal.Inc()
}

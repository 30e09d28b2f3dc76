// Package metrics exposes Prometheus collectors for the notice pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchAttemptsTotal      *prometheus.CounterVec
	dispatchOutcomesTotal      *prometheus.CounterVec
	dispatchDurationSeconds    *prometheus.HistogramVec
	dispatchInflight           prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	persistItemsTotal          *prometheus.CounterVec
	persistBatchesTotal        *prometheus.CounterVec
	retryQueueSize             *prometheus.GaugeVec
	streamMessagesTotal        *prometheus.CounterVec
	streamInflight             prometheus.Gauge
	streamFlushSize            *prometheus.HistogramVec
	sourceFetchesTotal         *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_dispatch_attempts_total",
				Help: "Classification attempts, labeled by pass and result (ok, transient, permanent).",
			},
			[]string{"pass", "result"},
		)

		dispatchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_dispatch_outcomes_total",
				Help: "Final dispatch outcomes per item, labeled by pass and status.",
			},
			[]string{"pass", "status"},
		)

		dispatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notam_dispatch_attempt_duration_seconds",
				Help:    "Latency of single classification attempts.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pass"},
		)

		dispatchInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "notam_dispatch_inflight",
				Help: "Classification calls currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notam_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)

		persistItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_persist_items_total",
				Help: "Notices handled by batch persistence, labeled by action (created, updated, skipped, failed).",
			},
			[]string{"action"},
		)

		persistBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_persist_batches_total",
				Help: "Persisted batches, labeled by status.",
			},
			[]string{"status"},
		)

		retryQueueSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notam_retry_queue_size",
				Help: "Quarantined notices, labeled by status.",
			},
			[]string{"status"},
		)

		streamMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_stream_messages_total",
				Help: "Stream messages received, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		streamInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "notam_stream_inflight",
				Help: "Stream notices accepted but not yet processed.",
			},
		)

		streamFlushSize = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notam_stream_flush_size",
				Help:    "Micro-batch sizes, labeled by flush reason.",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
			},
			[]string{"reason"},
		)

		sourceFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_source_fetches_total",
				Help: "Source feed fetches, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notam_pipeline_runs_total",
				Help: "Batch pipeline runs, labeled by status.",
			},
			[]string{"status"},
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
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatchAttempt records one classification attempt.
func ObserveDispatchAttempt(pass, result string, duration time.Duration) {
	Init()
	dispatchAttemptsTotal.WithLabelValues(pass, result).Inc()
	dispatchDurationSeconds.WithLabelValues(pass).Observe(duration.Seconds())
}

// ObserveDispatchOutcome records the final outcome for one item.
func ObserveDispatchOutcome(pass string, ok bool) {
	Init()
	status := "error"
	if ok {
		status = "ok"
	}
	dispatchOutcomesTotal.WithLabelValues(pass, status).Inc()
}

// IncDispatchInflight increments the in-flight classification gauge.
func IncDispatchInflight() {
	Init()
	dispatchInflight.Inc()
}

// DecDispatchInflight decrements the in-flight classification gauge.
func DecDispatchInflight() {
	Init()
	dispatchInflight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// ObservePersist records per-item persistence results and the batch status.
func ObservePersist(created, updated, skipped, failed int, batchErr error) {
	Init()
	persistItemsTotal.WithLabelValues("created").Add(float64(created))
	persistItemsTotal.WithLabelValues("updated").Add(float64(updated))
	persistItemsTotal.WithLabelValues("skipped").Add(float64(skipped))
	persistItemsTotal.WithLabelValues("failed").Add(float64(failed))
	status := "committed"
	if batchErr != nil {
		status = "rolled_back"
	}
	persistBatchesTotal.WithLabelValues(status).Inc()
}

// SetRetryQueueSize publishes the quarantine size for one status.
func SetRetryQueueSize(status string, n int) {
	Init()
	retryQueueSize.WithLabelValues(status).Set(float64(n))
}

// ObserveStreamMessage counts a received stream message by disposition
// (accepted, empty, filtered, duplicate, rejected).
func ObserveStreamMessage(disposition string) {
	Init()
	streamMessagesTotal.WithLabelValues(disposition).Inc()
}

// SetStreamInflight publishes the current stream inflight count.
func SetStreamInflight(n int64) {
	Init()
	streamInflight.Set(float64(n))
}

// ObserveStreamFlush records a micro-batch flush.
func ObserveStreamFlush(reason string, size int) {
	Init()
	streamFlushSize.WithLabelValues(reason).Observe(float64(size))
}

// ObserveSourceFetch counts a source feed fetch.
func ObserveSourceFetch(rawURL, status string) {
	Init()
	sourceFetchesTotal.WithLabelValues(SanitizeHost(rawURL), status).Inc()
}

// ObservePipelineRun counts a batch pipeline run.
func ObservePipelineRun(status string) {
	Init()
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

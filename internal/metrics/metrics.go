// Package metrics exposes Prometheus instrumentation for the gateway and
// the send worker.
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
		prometheus.CounterOpts{
			Name: "mailsvc_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsvc_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsvc_jobs_enqueued_total",
			Help: "Total email jobs enqueued by app",
		},
		[]string{"app_id"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsvc_jobs_processed_total",
			Help: "Total email jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsvc_send_duration_seconds",
			Help:    "Provider send latency",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsvc_idempotency_hits_total",
			Help: "Enqueue requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsvc_rate_limit_rejections_total",
			Help: "HTTP requests rejected by the rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsvc_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records one enqueued email job.
func RecordJobEnqueued(appID string) {
	jobsEnqueued.WithLabelValues(appID).Inc()
}

// RecordJobProcessed records one processed job by outcome
// (sent, failed, rate_limited).
func RecordJobProcessed(outcome string) {
	jobsProcessed.WithLabelValues(outcome).Inc()
}

// RecordSendDuration records one provider send round trip.
func RecordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// RecordIdempotencyHit records an enqueue served from cache.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a request rejected by the HTTP limiter.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnectionsActive sets the pool gauge.
func SetDBConnectionsActive(n int) {
	dbConnectionsActive.Set(float64(n))
}

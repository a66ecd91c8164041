// Package metrics exposes Prometheus collectors for the export service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item results recorded by ObserveItem.
const (
	ItemOK       = "ok"
	ItemNotFound = "not_found"
	ItemFailed   = "failed"
)

var (
	exportJobsTotal             *prometheus.CounterVec
	exportActiveJobs            prometheus.Gauge
	exportQueuedJobs            prometheus.Gauge
	exportItemsTotal            *prometheus.CounterVec
	exportAttachmentsTotal      *prometheus.CounterVec
	exportRateLimitWaitSeconds  prometheus.Histogram
	exportArchiveBytes          prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	exportVerificationsRequired *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		exportJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_jobs_total",
				Help: "Total number of export jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		exportActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "export_active_jobs",
				Help: "Number of jobs currently authenticating or crawling.",
			},
		)

		exportQueuedJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "export_queued_jobs",
				Help: "Number of jobs waiting for a slot.",
			},
		)

		exportItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_items_total",
				Help: "Total number of items fetched, labeled by result.",
			},
			[]string{"result"},
		)

		exportAttachmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_attachments_total",
				Help: "Attachment lookups against the dedup cache, labeled by hit or download.",
			},
			[]string{"source"},
		)

		exportRateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "export_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting for a rate limit token.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		exportArchiveBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "export_archive_bytes",
				Help:    "Size of assembled archives.",
				Buckets: prometheus.ExponentialBuckets(1<<16, 4, 8),
			},
		)

		exportVerificationsRequired = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_verifications_required_total",
				Help: "Access checks that asked for a second factor, labeled by kind.",
			},
			[]string{"kind"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	exportJobsTotal.WithLabelValues(status).Inc()
}

// SetSchedulerLoad publishes the active and queued job counts.
func SetSchedulerLoad(active, queued int) {
	Init()
	exportActiveJobs.Set(float64(active))
	exportQueuedJobs.Set(float64(queued))
}

// ObserveItem counts one fetched item by result.
func ObserveItem(result string) {
	Init()
	exportItemsTotal.WithLabelValues(result).Inc()
}

// ObserveAttachment counts a cache hit ("cache") or a remote download ("download").
func ObserveAttachment(source string) {
	Init()
	exportAttachmentsTotal.WithLabelValues(source).Inc()
}

// ObserveRateLimitWait records the time spent acquiring a token.
func ObserveRateLimitWait(d time.Duration) {
	Init()
	exportRateLimitWaitSeconds.Observe(d.Seconds())
}

// ObserveArchive records an assembled archive's size.
func ObserveArchive(size int64) {
	Init()
	exportArchiveBytes.Observe(float64(size))
}

// ObserveVerificationRequired counts a second-factor prompt.
func ObserveVerificationRequired(kind string) {
	Init()
	exportVerificationsRequired.WithLabelValues(kind).Inc()
}

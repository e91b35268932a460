// Package metrics exposes Prometheus instrumentation for the batch
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svg2pptx_jobs_total",
		Help: "Jobs finished, by terminal status.",
	}, []string{"status"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svg2pptx_uploads_total",
		Help: "File uploads attempted, by outcome.",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svg2pptx_retries_total",
		Help: "Remote call retries performed.",
	})

	quotaWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svg2pptx_quota_waits_total",
		Help: "Quota backoffs entered.",
	})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svg2pptx_active_workers",
		Help: "Tasks currently executing on the runner.",
	})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "svg2pptx_upload_duration_seconds",
		Help:    "Wall time of individual file uploads.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// JobFinished counts a job reaching a terminal (or parked) status.
func JobFinished(status string) { jobsTotal.WithLabelValues(status).Inc() }

// UploadFinished counts one file upload outcome ("completed"/"failed").
func UploadFinished(outcome string) { uploadsTotal.WithLabelValues(outcome).Inc() }

// ObserveUpload records one upload's duration in seconds.
func ObserveUpload(seconds float64) { uploadDuration.Observe(seconds) }

// IncRetry counts one retry of a remote call.
func IncRetry() { retriesTotal.Inc() }

// IncQuotaWait counts one quota backoff.
func IncQuotaWait() { quotaWaitsTotal.Inc() }

// SetActiveWorkers reports the runner's in-flight task count.
func SetActiveWorkers(n int) { activeWorkers.Set(float64(n)) }

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler { return promhttp.Handler() }

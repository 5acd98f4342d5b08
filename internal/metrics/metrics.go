// Package metrics exposes Prometheus collectors for the download engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsTotal          *prometheus.CounterVec
	pagesScrapedTotal       prometheus.Counter
	sessionRecoveriesTotal  prometheus.Counter
	activeWorkers           prometheus.Gauge
	rateLimitDelaySeconds   prometheus.Histogram
	downloadDurationSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. All observers below are
// no-ops until Init runs, so library tests need no registry setup.
func Init() {
	once.Do(func() {
		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcmfetch_documents_total",
				Help: "Total number of documents processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesScrapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "hcmfetch_pages_scraped_total",
				Help: "Total number of listing pages walked during the scrape phase.",
			},
		)

		sessionRecoveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "hcmfetch_session_recoveries_total",
				Help: "Total number of coordinated session re-authentications.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hcmfetch_active_workers",
				Help: "Number of download workers currently running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hcmfetch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		downloadDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hcmfetch_download_duration_seconds",
				Help:    "Histogram of per-document download latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DocumentDownloaded increments the document counter with outcome=downloaded.
func DocumentDownloaded() {
	if documentsTotal != nil {
		documentsTotal.WithLabelValues("downloaded").Inc()
	}
}

// DocumentSkipped increments the document counter with outcome=skipped.
func DocumentSkipped() {
	if documentsTotal != nil {
		documentsTotal.WithLabelValues("skipped").Inc()
	}
}

// DocumentFailed increments the document counter with outcome=failed.
func DocumentFailed() {
	if documentsTotal != nil {
		documentsTotal.WithLabelValues("failed").Inc()
	}
}

// PageScraped increments the scraped-pages counter.
func PageScraped() {
	if pagesScrapedTotal != nil {
		pagesScrapedTotal.Inc()
	}
}

// SessionRecovery increments the session recovery counter.
func SessionRecovery() {
	if sessionRecoveriesTotal != nil {
		sessionRecoveriesTotal.Inc()
	}
}

// WorkerStarted increments the active workers gauge.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerStopped decrements the active workers gauge.
func WorkerStopped() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(d time.Duration) {
	if rateLimitDelaySeconds != nil {
		rateLimitDelaySeconds.Observe(d.Seconds())
	}
}

// ObserveDownloadDuration records how long one successful download took.
func ObserveDownloadDuration(d time.Duration) {
	if downloadDurationSeconds != nil {
		downloadDurationSeconds.Observe(d.Seconds())
	}
}

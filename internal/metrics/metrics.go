// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors shared across scribed
// components. Collectors specific to one component (the recognition queue)
// live next to that component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts terminal job outcomes by status name.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "jobs_total",
		Help:      "Total transcription jobs by terminal status",
	}, []string{"status"})

	// JobsActive tracks jobs between acceptance and terminal state.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "jobs_active",
		Help:      "Transcription jobs currently queued or running",
	})

	// SegmentsPersistedTotal counts transcript segments written to the store.
	SegmentsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "segments_persisted_total",
		Help:      "Total transcript segments persisted",
	})

	// BusPublishedTotal counts events delivered to at least one subscriber.
	BusPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "bus_published_total",
		Help:      "Total events published on the job event bus",
	})

	// BusDroppedTotal counts subscriber drops by reason.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "bus_dropped_total",
		Help:      "Total event bus subscriber drops by reason",
	}, []string{"reason"})

	// BusSubscribers tracks currently attached live subscribers.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "bus_subscribers",
		Help:      "Currently attached live event subscribers",
	})

	// CacheHitsTotal counts model cache hits.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "model_cache_hits_total",
		Help:      "Total model cache hits",
	})

	// CacheMissesTotal counts model cache misses.
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "model_cache_misses_total",
		Help:      "Total model cache misses",
	})

	// CacheEvictionsTotal counts models evicted to satisfy the byte budget.
	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "model_cache_evictions_total",
		Help:      "Total model cache evictions",
	})

	// CacheBytes tracks the estimated bytes of loaded models.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "model_cache_bytes",
		Help:      "Estimated bytes of models currently cached",
	})

	// CacheEntries tracks the number of loaded models.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "model_cache_entries",
		Help:      "Models currently cached",
	})

	// DownloadsTotal counts finished downloads by result.
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "model_downloads_total",
		Help:      "Total model downloads by result",
	}, []string{"result"}) // result: complete|canceled|failed

	// DownloadBytesTotal counts bytes fetched across all downloads.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "model_download_bytes_total",
		Help:      "Total bytes fetched by the model downloader",
	})

	// ModelsDownloaded tracks catalog models currently available on disk.
	ModelsDownloaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "models_downloaded",
		Help:      "Catalog models currently present in the models directory",
	})

	// TranslateRequestsTotal counts upstream translation calls by result.
	TranslateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "translate_requests_total",
		Help:      "Total translation endpoint calls by result",
	}, []string{"result"}) // result: ok|error

	// TranslateCacheHitsTotal counts translations served from a call-local cache.
	TranslateCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "translate_cache_hits_total",
		Help:      "Total translations served from the per-call cache",
	})

	// HTTPRequestsTotal counts API requests by route pattern and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "http_requests_total",
		Help:      "Total API requests by route and status code",
	}, []string{"route", "code"})

	// HTTPRequestDuration observes API handler latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribe",
		Name:      "http_request_duration_seconds",
		Help:      "API request duration",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to 16s
	}, []string{"route"})
)

// IncBusDrop records a dropped bus subscriber with a concrete reason.
func IncBusDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(reason).Inc()
}

// JobFinished records the terminal outcome of a job.
func JobFinished(status string) {
	JobsTotal.WithLabelValues(status).Inc()
	JobsActive.Dec()
}

// JobAccepted records a newly accepted job.
func JobAccepted() {
	JobsActive.Inc()
}

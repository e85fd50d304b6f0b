// Package metrics provides Prometheus instrumentation for the file vault.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload outcome label values.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Uploads counts upload requests by outcome (stored, duplicate, failed).
	Uploads *prometheus.CounterVec

	// BytesStored counts bytes physically written to the blob store.
	BytesStored prometheus.Counter

	// BytesSaved counts bytes avoided through deduplication.
	BytesSaved prometheus.Counter

	// Deletes counts delete requests by outcome.
	Deletes *prometheus.CounterVec

	// DedupRatio is the current logical-to-physical storage ratio.
	DedupRatio prometheus.Gauge

	// LockContention counts digest lock acquisitions that had to give up.
	LockContention prometheus.Counter

	// HTTPDuration observes request latency by route and status class.
	HTTPDuration *prometheus.HistogramVec

	// GCLastRunTime records when GC last completed.
	GCLastRunTime prometheus.Gauge

	// GCOrphanBlobs is the orphan count observed by the last GC sweep.
	GCOrphanBlobs prometheus.Gauge

	// GCRunDuration observes GC sweep duration in seconds.
	GCRunDuration prometheus.Histogram

	// GCBlobsDeleted counts blobs reclaimed by GC.
	GCBlobsDeleted prometheus.Counter

	// GCBytesFreed counts bytes reclaimed by GC.
	GCBytesFreed prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests by outcome.",
		}, []string{"outcome"}),

		BytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Bytes physically written to the blob store.",
		}),

		BytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_saved_total",
			Help:      "Bytes avoided through deduplication.",
		}),

		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Delete requests by outcome.",
		}, []string{"outcome"}),

		DedupRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_ratio",
			Help:      "Logical size divided by physical size.",
		}),

		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Digest lock acquisitions that exhausted their retries.",
		}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),

		GCLastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last completed GC sweep.",
		}),

		GCOrphanBlobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_orphan_blobs",
			Help:      "Orphan blobs observed by the last GC sweep.",
		}),

		GCRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_run_duration_seconds",
			Help:      "Duration of GC sweeps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		GCBlobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_blobs_deleted_total",
			Help:      "Blobs reclaimed by garbage collection.",
		}),

		GCBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_bytes_freed_total",
			Help:      "Bytes reclaimed by garbage collection.",
		}),
	}

	registry.MustRegister(
		m.Uploads,
		m.BytesStored,
		m.BytesSaved,
		m.Deletes,
		m.DedupRatio,
		m.LockContention,
		m.HTTPDuration,
		m.GCLastRunTime,
		m.GCOrphanBlobs,
		m.GCRunDuration,
		m.GCBlobsDeleted,
		m.GCBytesFreed,
	)

	return m
}

// RecordGCRun records the outcome of a completed GC sweep.
func (m *Metrics) RecordGCRun(durationSeconds float64, blobsDeleted int, bytesFreed int64) {
	m.GCLastRunTime.SetToCurrentTime()
	m.GCRunDuration.Observe(durationSeconds)
	m.GCBlobsDeleted.Add(float64(blobsDeleted))
	m.GCBytesFreed.Add(float64(bytesFreed))
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seasonal_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for a conversion run.
type Metrics struct {
	RegionsWritten  prometheus.Counter
	RegionsFailed   prometheus.Counter
	RegionsSkipped  prometheus.Counter
	PipelineRunning prometheus.Gauge

	// Transcode metrics.
	TranscodeCache    *prometheus.CounterVec // labels: result={hit,miss}
	TranscodeDuration prometheus.Histogram

	// Store metrics.
	RegionWriteDuration prometheus.Histogram
	ArchiveDuration     *prometheus.HistogramVec // labels: archiver={7zz,native}

	EventsPublished *prometheus.CounterVec // labels: type={region_written,store_archived}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RegionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_written_total",
			Help:      "Store regions written successfully.",
		}),
		RegionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_failed_total",
			Help:      "Manifest entries whose region could not be written.",
		}),
		RegionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_skipped_total",
			Help:      "Regions skipped in resume mode because the ledger records them as written.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a conversion run is active, 0 otherwise.",
		}),
		TranscodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_cache_total",
			Help:      "Transcode cache lookups by result.",
		}, []string{"result"}),
		TranscodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Time to resolve a source, including the external tool on a cache miss.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		RegionWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_write_duration_seconds",
			Help:      "Time to load, correct and write one region.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		ArchiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_duration_seconds",
			Help:      "Time to pack a finished store into its zip archive.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"archiver"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Store events published by type.",
		}, []string{"type"}),
	}

	prometheus.MustRegister(
		m.RegionsWritten,
		m.RegionsFailed,
		m.RegionsSkipped,
		m.PipelineRunning,
		m.TranscodeCache,
		m.TranscodeDuration,
		m.RegionWriteDuration,
		m.ArchiveDuration,
		m.EventsPublished,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RegionsWritten:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "regions_written_total"}),
		RegionsFailed:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "regions_failed_total"}),
		RegionsSkipped:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "regions_skipped_total"}),
		PipelineRunning:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_running"}),
		TranscodeCache:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "transcode_cache_total"}, []string{"result"}),
		TranscodeDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "transcode_duration_seconds"}),
		RegionWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "region_write_duration_seconds"}),
		ArchiveDuration:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "archive_duration_seconds"}, []string{"archiver"}),
		EventsPublished:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total"}, []string{"type"}),
	}
}

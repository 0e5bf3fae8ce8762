// Package metrics exposes scan and search counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SearchQueries   *prometheus.CounterVec
	URLsDiscovered  prometheus.Counter
	Documents       *prometheus.CounterVec
	DocumentBytes   prometheus.Histogram
	Detections      *prometheus.CounterVec
	DetectionScores *prometheus.HistogramVec
	ScansActive     prometheus.Gauge
	ScanDuration    *prometheus.HistogramVec
	KeysAvailable   prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SearchQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leak_sentinel_search_queries_total",
				Help: "Search API calls by outcome",
			},
			[]string{"status"},
		),
		URLsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leak_sentinel_urls_discovered_total",
			Help: "Unique document URLs returned by search",
		}),
		Documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leak_sentinel_documents_total",
				Help: "Documents processed by file type and outcome",
			},
			[]string{"file_type", "status"},
		),
		DocumentBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leak_sentinel_document_bytes",
			Help:    "Size of downloaded documents",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leak_sentinel_detections_total",
				Help: "PII detections by type",
			},
			[]string{"pii_type"},
		),
		DetectionScores: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leak_sentinel_detection_confidence",
				Help:    "Confidence of reported detections",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
			[]string{"pii_type"},
		),
		ScansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leak_sentinel_scans_active",
			Help: "Scans currently running",
		}),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leak_sentinel_scan_duration_seconds",
				Help:    "Wall time of finished scans by final status",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		KeysAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leak_sentinel_search_keys_available",
			Help: "API key pairs with quota left",
		}),
	}

	m.registry.MustRegister(
		m.SearchQueries,
		m.URLsDiscovered,
		m.Documents,
		m.DocumentBytes,
		m.Detections,
		m.DetectionScores,
		m.ScansActive,
		m.ScanDuration,
		m.KeysAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) SearchQuery(status string) {
	if m == nil {
		return
	}
	m.SearchQueries.WithLabelValues(status).Inc()
}

func (m *Metrics) URLDiscovered() {
	if m == nil {
		return
	}
	m.URLsDiscovered.Inc()
}

func (m *Metrics) Document(fileType, status string, size int) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(fileType, status).Inc()
	if size > 0 {
		m.DocumentBytes.Observe(float64(size))
	}
}

func (m *Metrics) Detection(piiType string, confidence float64) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(piiType).Inc()
	m.DetectionScores.WithLabelValues(piiType).Observe(confidence)
}

func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.ScansActive.Inc()
}

func (m *Metrics) ScanFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ScansActive.Dec()
	m.ScanDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) SetKeysAvailable(n int) {
	if m == nil {
		return
	}
	m.KeysAvailable.Set(float64(n))
}

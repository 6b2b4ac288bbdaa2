package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/moyoez/vaultdrop/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultdrop"

// Metrics holds every collector of the transfer engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Admission
	DownloadsActive prometheus.Gauge       // vaultdrop_downloads_active
	DownloadsQueued prometheus.Gauge       // vaultdrop_downloads_queued
	DownloadEvents  *prometheus.CounterVec // vaultdrop_download_events_total{type}

	// Transfer
	DownloadBytes    prometheus.Counter   // vaultdrop_download_bytes_total
	DownloadDuration prometheus.Histogram // vaultdrop_download_duration_seconds
	UploadBytes      prometheus.Counter   // vaultdrop_upload_bytes_total

	// Chunked uploads
	ChunksReceived  *prometheus.CounterVec // vaultdrop_chunks_received_total{duplicate}
	UploadsFinished *prometheus.CounterVec // vaultdrop_uploads_finished_total{outcome}

	// Tokens
	TokensIssued *prometheus.CounterVec // vaultdrop_tokens_issued_total{kind}
}

// New registers all collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DownloadsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_active",
			Help:      "Downloads currently holding an admission slot",
		}),
		DownloadsQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_queued",
			Help:      "Downloads waiting for an admission slot",
		}),
		DownloadEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_events_total",
			Help:      "Admission lifecycle events by type",
		}, []string{"type"}),

		DownloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Plaintext bytes served to downloaders",
		}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent streaming one download",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Plaintext bytes written to storage",
		}),

		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Upload chunks received, split by whether they were duplicates",
		}, []string{"duplicate"}),
		UploadsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_finished_total",
			Help:      "Chunked uploads that left the reconstructor, by outcome",
		}, []string{"outcome"}),

		TokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Presigned tokens issued by kind",
		}, []string{"kind"}),
	}
}

// WatchMemory exports fn as the memory figure admission decisions use.
func (m *Metrics) WatchMemory(fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_memory_megabytes",
		Help:      "Process memory as seen by the download admission controller",
	}, fn)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDownload follows the admission controller's events.
func (m *Metrics) ObserveDownload(ev types.DownloadEvent) {
	if m == nil {
		return
	}
	m.DownloadEvents.WithLabelValues(ev.Type).Inc()
	m.DownloadsActive.Set(float64(ev.Active))
	m.DownloadsQueued.Set(float64(ev.Queued))
}

func (m *Metrics) ChunkReceived(duplicate bool) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
}

func (m *Metrics) UploadFinished(outcome string) {
	if m == nil {
		return
	}
	m.UploadsFinished.WithLabelValues(outcome).Inc()
}

// TokenIssued takes the token kind's name, "upload" or "download".
func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDownload(bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DownloadBytes.Add(float64(bytes))
	m.DownloadDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.UploadBytes.Add(float64(bytes))
}

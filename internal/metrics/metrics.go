// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all collectors. Use Default for the process-wide instance.
type Metrics struct {
	// Ingestion
	IngestRuns       *prometheus.CounterVec // outcome: completed, error, cancelled, busy
	IngestDuration   prometheus.Histogram
	CommitsFetched   prometheus.Counter
	CommitsStored    prometheus.Counter
	CommitsDuplicate prometheus.Counter
	QueueDepth       prometheus.Gauge
	StaleSwept       prometheus.Counter

	// Embeddings
	EmbeddingsComputed prometheus.Counter
	EmbedBatchFailures prometheus.Counter
	EmbedDuration      prometheus.Histogram

	// Analysis
	AnalysisRuns     *prometheus.CounterVec // outcome: answered, no_commits, fallback, rejected
	AnalysisDuration prometheus.Histogram
	Confidence       prometheus.Histogram

	// Outbound
	UpstreamRetries *prometheus.CounterVec // op

	// HTTP
	HTTPRequests *prometheus.CounterVec // method, route, status
	HTTPDuration *prometheus.HistogramVec
}

var (
	once     sync.Once
	instance *Metrics
)

// Default returns the collectors registered on prometheus.DefaultRegisterer.
func Default() *Metrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

// New creates collectors and registers them on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memento_ingest_runs_total", Help: "Ingestion runs by outcome",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "memento_ingest_duration_seconds", Help: "Wall time of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		CommitsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_commits_fetched_total", Help: "Commits fetched from source control",
		}),
		CommitsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_commits_stored_total", Help: "Commits newly stored",
		}),
		CommitsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_commits_duplicate_total", Help: "Commits skipped because their hash was already stored",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memento_ingest_queue_depth", Help: "Jobs waiting in the ingestion queue",
		}),
		StaleSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_stale_indexing_swept_total", Help: "Repositories moved from stale INDEXING to ERROR",
		}),
		EmbeddingsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_embeddings_computed_total", Help: "Commit embeddings stored",
		}),
		EmbedBatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memento_embed_batch_failures_total", Help: "Embedding batches skipped after a failure",
		}),
		EmbedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "memento_embed_duration_seconds", Help: "Duration of embedding model calls",
			Buckets: prometheus.DefBuckets,
		}),
		AnalysisRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memento_analysis_total", Help: "Analysis requests by outcome",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "memento_analysis_duration_seconds", Help: "Wall time of analysis requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "memento_analysis_confidence", Help: "Confidence scores of answers",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memento_upstream_retries_total", Help: "Retries of outbound calls",
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memento_http_requests_total", Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "memento_http_request_duration_seconds", Help: "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.IngestRuns, m.IngestDuration, m.CommitsFetched, m.CommitsStored, m.CommitsDuplicate,
			m.QueueDepth, m.StaleSwept,
			m.EmbeddingsComputed, m.EmbedBatchFailures, m.EmbedDuration,
			m.AnalysisRuns, m.AnalysisDuration, m.Confidence,
			m.UpstreamRetries,
			m.HTTPRequests, m.HTTPDuration,
		)
	}
	return m
}

// RetryObserver counts retries per operation. It matches retry.Observer.
func (m *Metrics) RetryObserver(op string, _ int, _ error, _ time.Duration) {
	m.UpstreamRetries.WithLabelValues(op).Inc()
}

// Package metrics exposes the pipeline's Prometheus surface — cache hit
// rate, scheduler queue depth, and per-session encoder latency — mirroring
// the Statistics snapshot the orchestrator computes for statistics() (§4.9).
// Grounded on vjache-cie's use of prometheus/client_golang (there wired
// through promhttp.Handler in cmd/cie; here the metric set itself is
// defined, since the pack contributes no example of custom collectors).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the pipeline updates. A nil *Registry is a
// valid no-op receiver (see the nil-receiver methods below) so callers that
// did not configure metrics pay nothing.
type Registry struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheSize      prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	EncoderLatency *prometheus.HistogramVec
	ImagesProcessed prometheus.Counter
	ImagesFailed    *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer wrapped in a registry for production.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_cache_hits_total",
			Help: "Embedding cache hits across all fingerprints.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_cache_misses_total",
			Help: "Embedding cache misses across all fingerprints.",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "embedpipe_cache_entries",
			Help: "Current number of entries held in Tier A of the embedding cache.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "embedpipe_scheduler_queue_depth",
			Help: "Pending WorkItems per scheduler lane.",
		}, []string{"lane"}),
		EncoderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedpipe_encoder_run_seconds",
			Help:    "Encoder session Run() latency per session.",
			Buckets: prometheus.DefBuckets,
		}, []string{"session"}),
		ImagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedpipe_images_processed_total",
			Help: "Images that completed embedding and persistence successfully.",
		}),
		ImagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "embedpipe_images_failed_total",
			Help: "Images that failed embedding, labeled by error kind.",
		}, []string{"kind"}),
	}
}

func (r *Registry) RecordCacheHit() {
	if r == nil {
		return
	}
	r.CacheHits.Inc()
}

func (r *Registry) RecordCacheMiss() {
	if r == nil {
		return
	}
	r.CacheMisses.Inc()
}

func (r *Registry) SetCacheSize(n int) {
	if r == nil {
		return
	}
	r.CacheSize.Set(float64(n))
}

func (r *Registry) SetQueueDepth(lane string, depth int) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(lane).Set(float64(depth))
}

func (r *Registry) ObserveEncoderLatency(session string, seconds float64) {
	if r == nil {
		return
	}
	r.EncoderLatency.WithLabelValues(session).Observe(seconds)
}

func (r *Registry) RecordImageProcessed() {
	if r == nil {
		return
	}
	r.ImagesProcessed.Inc()
}

func (r *Registry) RecordImageFailed(kind string) {
	if r == nil {
		return
	}
	r.ImagesFailed.WithLabelValues(kind).Inc()
}

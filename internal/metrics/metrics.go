package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WALRecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_wal_records_ingested_total",
		Help: "WAL records applied to the open layer.",
	}, []string{"timeline"})

	WALBytesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_wal_bytes_ingested_total",
		Help: "WAL bytes applied to the open layer.",
	}, []string{"timeline"})

	LayerFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_layer_flushes_total",
		Help: "Frozen layers flushed to delta layer files.",
	}, []string{"timeline"})

	CompactionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_compaction_runs_total",
		Help: "Completed compaction passes.",
	}, []string{"timeline"})

	GCRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_gc_runs_total",
		Help: "Completed garbage collection passes.",
	}, []string{"timeline"})

	GetPageSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_getpage_seconds",
		Help:    "Page reconstruction latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	PageCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_page_cache_hits_total",
		Help: "GetPage requests served from the page cache.",
	})

	LiveLayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestore_live_layers",
		Help: "Sealed layers currently published in the layer map.",
	}, []string{"timeline"})
)

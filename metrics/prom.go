package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_paste_deleted_total",
		Help: "no. of pastes deleted explicitly",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_cache_misses_total",
		Help: "no. of cache misses",
	})
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebox_cache_errors_total",
			Help: "no. of swallowed cache backend failures",
		},
		[]string{"op"},
	)
	ViewIncrementsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_view_increments_dropped_total",
		Help: "no. of background view increments dropped because the queue was full or closed",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebox_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PrunedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebox_pruned_pastes_total",
		Help: "no. of expired pastes physically removed",
	})
)

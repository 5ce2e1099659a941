package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_tiles_loaded_total",
		Help: "Total number of tiles that reached the loaded state",
	}, []string{"tier"})

	TilesUnloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_tiles_unloaded_total",
		Help: "Total number of resident tiles evicted or unloaded",
	}, []string{"tier"})

	TilesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_tiles_failed_total",
		Help: "Total number of tile fetches that failed",
	}, []string{"tier"})

	TilesCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_tiles_cancelled_total",
		Help: "Total number of tile loads cancelled before resolving",
	}, []string{"tier"})

	TilesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "terrain_tiles_in_flight",
		Help: "Number of tile loads currently in flight",
	}, []string{"tier"})

	TileLoadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "terrain_tile_load_latency_seconds",
		Help:    "Latency of tile loads in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_cache_hits_total",
		Help: "Total number of tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_cache_misses_total",
		Help: "Total number of tile cache misses",
	})

	CacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_cache_stores_total",
		Help: "Total number of tile cache store operations",
	})

	UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_upstream_requests_total",
		Help: "Total number of upstream tile requests",
	})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "terrain_upstream_latency_seconds",
		Help:    "Latency of upstream tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	HeightQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_height_queries_total",
		Help: "Total number of terrain height queries by answering tier",
	}, []string{"source"})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_event_subscribers",
		Help: "Number of connected tile event subscribers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_events_dropped_total",
		Help: "Total number of tile events dropped for slow subscribers",
	})
)

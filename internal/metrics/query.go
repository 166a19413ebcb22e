package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheHits counts result-cache lookups that found an entry.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "result_cache_hits_total",
		Help:      "Result cache lookups that found an entry",
	})

	// CacheMisses counts result-cache lookups that found nothing.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "result_cache_misses_total",
		Help:      "Result cache lookups that found nothing",
	})

	// CacheEvictions counts entries removed by LRU eviction.
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "result_cache_evictions_total",
		Help:      "Result cache entries evicted least-recently-used first",
	})

	// Evaluations counts full query re-evaluations triggered by notifications.
	Evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "query_evaluations_total",
		Help:      "Query evaluations triggered by collection notifications",
	})

	// Deliveries counts results handed to subscribers, split by whether the
	// previous reference was preserved.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "subscription_deliveries_total",
		Help:      "Subscription deliveries by outcome",
	}, []string{"outcome"}) // "fresh" | "unchanged"
)

// RegisterQueryMetrics registers the query-engine collectors explicitly
// (no init()); safe to call once per process.
func RegisterQueryMetrics() {
	prometheus.MustRegister(CacheHits, CacheMisses, CacheEvictions, Evaluations, Deliveries)
}

package srtmcache

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "srtmcache"

// cacheMetrics counts terminal outcomes and times downloads. Collection is
// always on; export happens only when the caller passes WithRegisterer.
type cacheMetrics struct {
	hits         prometheus.Counter
	downloads    prometheus.Counter
	unavailable  prometheus.Counter
	fetchErrors  prometheus.Counter
	fetchSeconds prometheus.Histogram
}

func newCacheMetrics() *cacheMetrics {
	return &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hits_total",
			Help:      "Tile requests satisfied by an already-present artifact.",
		}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "downloads_total",
			Help:      "Tiles downloaded and extracted by this process.",
		}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unavailable_total",
			Help:      "Tiles whose remote blob was not a valid archive.",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_errors_total",
			Help:      "Fetches that failed after the fetcher's own retries.",
		}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of successful archive fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *cacheMetrics) register(r prometheus.Registerer) {
	r.MustRegister(m.hits, m.downloads, m.unavailable, m.fetchErrors, m.fetchSeconds)
}

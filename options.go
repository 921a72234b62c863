package srtmcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/srtmcache/pkg/flock"
	"github.com/calvinalkan/srtmcache/pkg/logging"
)

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithBaseURL sets the remote location tiles are fetched from. The tile
// archive is expected at "<base-url>/<tile-id>.zip".
func WithBaseURL(baseURL string) Option {
	return func(c *Cache) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithFetcher replaces the default HTTP fetcher.
func WithFetcher(fetcher Fetcher) Option {
	return func(c *Cache) {
		if fetcher != nil {
			c.fetcher = fetcher
		}
	}
}

// WithExtractor replaces the default zip extractor.
func WithExtractor(extractor Extractor) Option {
	return func(c *Cache) {
		if extractor != nil {
			c.extractor = extractor
		}
	}
}

// WithLocker replaces the default flock-based lock primitive. Replacements
// must be cross-process: held locks visible to every process sharing the
// output directory, and released automatically if the holder dies.
func WithLocker(locker flock.Locker) Option {
	return func(c *Cache) {
		if locker != nil {
			c.locker = locker
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logging.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithRegisterer registers the cache's metrics with r. Without this option
// the metrics are still collected but not exported anywhere.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Cache) {
		if r != nil {
			c.metrics.register(r)
		}
	}
}

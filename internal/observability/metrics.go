// Package observability provides the Prometheus metrics surface for the
// Relay backend.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the backend exports. One instance per
// process; construct it through NewCollector (or Default for the shared
// singleton) and pass it down explicitly.
type Collector struct {
	registry *prometheus.Registry

	storeOperations *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	notificationsSent   prometheus.Counter
	notificationsFailed prometheus.Counter
}

var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Default returns the process-wide collector, creating it on first use.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		storeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_store_operations_total",
				Help: "Store operations by operation, table and outcome code.",
			},
			[]string{"operation", "table", "outcome"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_store_operation_duration_seconds",
				Help:    "Store operation latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_hits_total",
			Help: "Envelope cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_misses_total",
			Help: "Envelope cache misses.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_evictions_total",
			Help: "Envelope cache entries evicted by the size bound.",
		}),
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_notifications_sent_total",
			Help: "Change notifications dispatched.",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_notifications_failed_total",
			Help: "Change notifications that failed to dispatch.",
		}),
	}

	registry.MustRegister(
		c.storeOperations,
		c.storeDuration,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.notificationsSent,
		c.notificationsFailed,
	)
	return c
}

// ObserveStoreOperation records one completed store call.
func (c *Collector) ObserveStoreOperation(operation, table, outcome string, duration time.Duration) {
	c.storeOperations.WithLabelValues(operation, table, outcome).Inc()
	c.storeDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// CacheHit counts an envelope cache hit.
func (c *Collector) CacheHit() { c.cacheHits.Inc() }

// CacheMiss counts an envelope cache miss.
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

// CacheEviction counts an envelope cache eviction.
func (c *Collector) CacheEviction() { c.cacheEvictions.Inc() }

// NotificationSent counts a dispatched change notification.
func (c *Collector) NotificationSent() { c.notificationsSent.Inc() }

// NotificationFailed counts a notification dispatch failure.
func (c *Collector) NotificationFailed() { c.notificationsFailed.Inc() }

// Handler exposes the registry for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

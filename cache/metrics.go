package cache

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that reports cache Stats.
type StatsSource interface {
	Stats() Stats
}

// Collector exports the stats of named caches as prometheus metrics.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	entries     *prometheus.Desc
	memory      *prometheus.Desc
}

// NewCollector creates a collector whose metrics live under namespace.
func NewCollector(namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, []string{"cache"}, nil)
	}
	return &Collector{
		sources:     make(map[string]StatsSource),
		hits:        desc("hits_total", "Cache lookups that found a live entry"),
		misses:      desc("misses_total", "Cache lookups that found nothing or an expired entry"),
		evictions:   desc("evictions_total", "Entries evicted to stay within the memory budget"),
		expirations: desc("expirations_total", "Entries removed because their TTL passed"),
		entries:     desc("entries", "Entries currently stored"),
		memory:      desc("memory_bytes", "Approximate bytes held by stored entries"),
	}
}

// Register adds or replaces a named source.
func (c *Collector) Register(name string, src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.entries
	ch <- c.memory
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshots := make([]Stats, len(names))
	for i, name := range names {
		snapshots[i] = c.sources[name].Stats()
	}
	c.mu.RUnlock()

	for i, name := range names {
		s := snapshots[i]
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations), name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), name)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(s.MemoryBytes), name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)

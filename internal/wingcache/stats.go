package wingcache

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide performance counters. One instance is
// created with the Service, incremented during dispatch and never torn down;
// values reset only when the process restarts.
type Metrics struct {
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	networkRequests atomic.Uint64
	offlineRequests atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.minRespBytes.Store(math.MaxUint64)
	return m
}

func (m *Metrics) hit()     { m.cacheHits.Add(1) }
func (m *Metrics) miss()    { m.cacheMisses.Add(1) }
func (m *Metrics) network() { m.networkRequests.Add(1) }
func (m *Metrics) offline() { m.offlineRequests.Add(1) }

// Observe records the size of a response body handed back to a client.
func (m *Metrics) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))
	m.totalResponses.Add(1)
	m.totalRespBytes.Add(n)

	for {
		cur := m.minRespBytes.Load()
		if n >= cur || m.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := m.maxRespBytes.Load()
		if n <= cur || m.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Counters is a point-in-time copy of the performance counters.
type Counters struct {
	CacheHits       uint64 `json:"cacheHits"`
	CacheMisses     uint64 `json:"cacheMisses"`
	NetworkRequests uint64 `json:"networkRequests"`
	OfflineRequests uint64 `json:"offlineRequests"`
}

func (m *Metrics) Snapshot() Counters {
	return Counters{
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		NetworkRequests: m.networkRequests.Load(),
		OfflineRequests: m.offlineRequests.Load(),
	}
}

type sizeStats struct {
	Responses uint64
	Min       uint64
	Avg       uint64
	Max       uint64
}

func (m *Metrics) sizes() sizeStats {
	count := m.totalResponses.Load()
	if count == 0 {
		return sizeStats{}
	}
	minv := m.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return sizeStats{
		Responses: count,
		Min:       minv,
		Avg:       m.totalRespBytes.Load() / count,
		Max:       m.maxRespBytes.Load(),
	}
}

// Collectors exposes the counters to prometheus. The collectors read the
// atomics on scrape, so registering them costs nothing on the dispatch path.
func (m *Metrics) Collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "wingcache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	return []prometheus.Collector{
		counter("cache_hits_total", "Requests answered from a store by their strategy.", &m.cacheHits),
		counter("cache_misses_total", "Store lookups that missed and went to the network.", &m.cacheMisses),
		counter("network_requests_total", "Requests answered by a network fetch.", &m.networkRequests),
		counter("offline_requests_total", "Requests answered by the offline fallback from a store.", &m.offlineRequests),
		counter("response_bytes_total", "Body bytes handed back to clients.", &m.totalRespBytes),
	}
}

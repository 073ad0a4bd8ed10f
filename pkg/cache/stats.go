package cache

import (
	"sort"
	"sync"
	"time"
)

// maxResponseSamples bounds the rolling response-time window
const maxResponseSamples = 100

// Stats is a point-in-time snapshot of cache operation counters.
// FailedOperations counts caller-visible failures only; remote
// operations that failed but were absorbed by the local fallback are
// counted separately in RemoteFailures.
type Stats struct {
	TotalOperations      int64   `json:"total_operations"`
	SuccessfulOperations int64   `json:"successful_operations"`
	FailedOperations     int64   `json:"failed_operations"`
	RemoteFailures       int64   `json:"remote_failures"`
	CacheHits            int64   `json:"cache_hits"`
	CacheMisses          int64   `json:"cache_misses"`
	ConnectionAttempts   int64   `json:"connection_attempts"`
	ConnectionFailures   int64   `json:"connection_failures"`
	RedisConnected       bool    `json:"redis_connected"`
	HitRate              float64 `json:"hit_rate"`
	SuccessRate          float64 `json:"success_rate"`
	LocalCacheSize       int     `json:"local_cache_size"`
}

// statsTracker accumulates process-wide cache counters and a bounded
// window of response-time samples. All methods are safe for concurrent
// use.
type statsTracker struct {
	mu sync.Mutex

	totalOps    int64
	successOps  int64
	failedOps   int64
	remoteFails int64
	hits        int64
	misses      int64

	// seconds, most recent last, bounded to maxResponseSamples
	responseTimes []float64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		responseTimes: make([]float64, 0, maxResponseSamples),
	}
}

func (st *statsTracker) recordOperation(success bool, duration time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.totalOps++
	if success {
		st.successOps++
	} else {
		st.failedOps++
	}

	st.responseTimes = append(st.responseTimes, duration.Seconds())
	if len(st.responseTimes) > maxResponseSamples {
		st.responseTimes = st.responseTimes[len(st.responseTimes)-maxResponseSamples:]
	}
}

func (st *statsTracker) recordHit() {
	st.mu.Lock()
	st.hits++
	st.mu.Unlock()
}

func (st *statsTracker) recordMiss() {
	st.mu.Lock()
	st.misses++
	st.mu.Unlock()
}

// recordRemoteFailure counts a remote operation that failed but was
// absorbed by the local fallback, invisible to the caller.
func (st *statsTracker) recordRemoteFailure() {
	st.mu.Lock()
	st.remoteFails++
	st.mu.Unlock()
}

// snapshot returns the current counters with derived rates
func (st *statsTracker) snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()

	stats := Stats{
		TotalOperations:      st.totalOps,
		SuccessfulOperations: st.successOps,
		FailedOperations:     st.failedOps,
		RemoteFailures:       st.remoteFails,
		CacheHits:            st.hits,
		CacheMisses:          st.misses,
	}

	if st.totalOps > 0 {
		stats.SuccessRate = float64(st.successOps) / float64(st.totalOps)
	}
	if lookups := st.hits + st.misses; lookups > 0 {
		stats.HitRate = float64(st.hits) / float64(lookups)
	}

	return stats
}

// percentiles computes response-time aggregates from the bounded sample
// window. Returned values are in seconds.
func (st *statsTracker) percentiles() map[string]float64 {
	st.mu.Lock()
	samples := make([]float64, len(st.responseTimes))
	copy(samples, st.responseTimes)
	st.mu.Unlock()

	result := map[string]float64{
		"avg": 0,
		"p50": 0,
		"p95": 0,
		"p99": 0,
	}

	if len(samples) == 0 {
		return result
	}

	sort.Float64s(samples)

	sum := float64(0)
	for _, s := range samples {
		sum += s
	}
	result["avg"] = sum / float64(len(samples))
	result["p50"] = percentile(samples, 0.50)
	result["p95"] = percentile(samples, 0.95)
	result["p99"] = percentile(samples, 0.99)

	return result
}

// percentile returns the p-th percentile of sorted samples
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

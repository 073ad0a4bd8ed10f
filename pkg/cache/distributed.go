package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
	"github.com/querymesh/querycache/pkg/resilience"
)

// minTTL is the absolute floor for adaptive TTL computation
const minTTL = 300 * time.Second

// errNoConnection signals that no remote client is available
var errNoConnection = errors.New("no active cache connection")

// Payload size thresholds for adaptive TTL reduction
const (
	largePayloadBytes = 10_000
	hugePayloadBytes  = 100_000
)

// DistributedCache is the public get/set/delete API over the remote
// cache and the local fallback store. Remote errors never propagate to
// callers: every failure is converted into a local fallback decision so
// the application is never blocked on cache infrastructure.
//
// Values are serialized as JSON before storage, in both layers, so local
// copies are independent snapshots of the cached value.
type DistributedCache struct {
	cfg     config.CacheConfig
	conn    *ConnectionManager
	local   *LocalCache
	breaker *gobreaker.CircuitBreaker
	stats   *statsTracker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewDistributedCache composes the connection manager and the local
// fallback cache into the public cache API.
func NewDistributedCache(
	cfg config.CacheConfig,
	conn *ConnectionManager,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *DistributedCache {
	if logger == nil {
		logger = observability.NewLogger("cache.distributed")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &DistributedCache{
		cfg:     cfg,
		conn:    conn,
		local:   NewLocalCache(cfg.LocalMaxSize, logger.WithPrefix("cache.local")),
		breaker: resilience.NewCircuitBreaker("remote_cache", resilience.CircuitBreakerConfig{}, logger),
		stats:   newStatsTracker(),
		logger:  logger,
		metrics: metrics,
	}
}

// Local returns the local fallback cache (exposed for stats and tests)
func (dc *DistributedCache) Local() *LocalCache {
	return dc.local
}

// Get retrieves the value stored under key. When connected it tries the
// remote cache first and mirrors any hit into the local cache so later
// reads survive a disconnect; otherwise it serves from the local cache.
// A miss at both layers records a cache miss.
func (dc *DistributedCache) Get(ctx context.Context, key string) (interface{}, bool) {
	start := time.Now()

	if dc.conn.State() == StateConnected {
		remote, err := dc.remoteGet(ctx, key)
		if err != nil {
			dc.logger.Warn("Remote get failed, falling back to local cache", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			dc.stats.recordRemoteFailure()
			dc.conn.NoteFailure()
		} else if remote != nil {
			// Mirror with the remaining remote lifetime so the local
			// copy never outlives the TTL the writer asked for.
			dc.local.Set(key, remote.data, dc.mirrorTTL(key, remote))
			dc.stats.recordHit()
			dc.stats.recordOperation(true, time.Since(start))
			dc.metrics.IncrementCounterWithLabels("cache.hit", 1, map[string]string{"layer": "remote"})
			return decode(remote.data), true
		}
	}

	if data, ok := dc.local.Get(key); ok {
		dc.stats.recordHit()
		dc.stats.recordOperation(true, time.Since(start))
		dc.metrics.IncrementCounterWithLabels("cache.hit", 1, map[string]string{"layer": "local"})
		return decode(data), true
	}

	dc.stats.recordMiss()
	dc.stats.recordOperation(true, time.Since(start))
	dc.metrics.IncrementCounterWithLabels("cache.miss", 1, nil)
	return nil, false
}

// Set stores value under key. A ttl <= 0 selects the adaptive TTL
// computed from the key category and payload size.
//
// The local write is authoritative for the return value: Set reports
// success whenever the local mirror holds the value, even if the remote
// write failed. This trades strict durability for availability; the
// remote cache becomes eventually consistent after a transient outage.
func (dc *DistributedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	start := time.Now()

	data, err := json.Marshal(value)
	if err != nil {
		dc.logger.Error("Failed to serialize cache value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		dc.stats.recordOperation(false, time.Since(start))
		return false
	}

	effective := dc.effectiveTTL(key, len(data), ttl)

	dc.local.Set(key, data, effective)

	if dc.conn.State() == StateConnected {
		if err := dc.remoteSet(ctx, key, data, effective); err != nil {
			dc.logger.Warn("Remote set failed, value retained in local cache", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			dc.stats.recordRemoteFailure()
			dc.conn.NoteFailure()
		}
	}

	dc.stats.recordOperation(true, time.Since(start))
	return true
}

// Delete removes key from the remote cache, best effort. Local entries
// are left to self-expire.
func (dc *DistributedCache) Delete(ctx context.Context, key string) bool {
	client := dc.conn.Client()
	if client == nil || dc.conn.State() != StateConnected {
		return false
	}

	_, err := dc.breaker.Execute(func() (interface{}, error) {
		return nil, client.Del(ctx, key).Err()
	})
	if err != nil {
		dc.logger.Warn("Remote delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		dc.conn.NoteFailure()
		return false
	}
	return true
}

// Exists reports whether key is present in the remote cache. A down or
// tripped remote reports absent, so warming keeps refreshing the local
// mirror during outages.
func (dc *DistributedCache) Exists(ctx context.Context, key string) bool {
	client := dc.conn.Client()
	if client == nil || dc.conn.State() != StateConnected {
		return false
	}

	result, err := dc.breaker.Execute(func() (interface{}, error) {
		return client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false
	}
	return result.(int64) > 0
}

// ClearPattern removes every remote key matching pattern via SCAN+DEL
// and returns the number of keys removed.
func (dc *DistributedCache) ClearPattern(ctx context.Context, pattern string) int {
	client := dc.conn.Client()
	if client == nil || dc.conn.State() != StateConnected {
		return 0
	}

	removed := 0
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		dc.logger.Warn("Pattern scan terminated early", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
	}
	return removed
}

// ServerInfo returns parsed INFO key/value pairs from the remote server,
// or an empty map when not connected.
func (dc *DistributedCache) ServerInfo(ctx context.Context) map[string]string {
	info := make(map[string]string)

	client := dc.conn.Client()
	if client == nil || dc.conn.State() != StateConnected {
		return info
	}

	raw, err := client.Info(ctx).Result()
	if err != nil {
		return info
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			info[line[:idx]] = line[idx+1:]
		}
	}
	return info
}

// GetStats returns a snapshot of operation counters
func (dc *DistributedCache) GetStats() Stats {
	stats := dc.stats.snapshot()
	stats.ConnectionAttempts, stats.ConnectionFailures = dc.conn.Counters()
	stats.RedisConnected = dc.conn.State() == StateConnected
	stats.LocalCacheSize = dc.local.Len()
	return stats
}

// GetPerformanceMetrics returns derived rates and response-time
// percentiles computed from the bounded sample window.
func (dc *DistributedCache) GetPerformanceMetrics() map[string]interface{} {
	stats := dc.GetStats()
	latency := dc.stats.percentiles()

	return map[string]interface{}{
		"hit_rate":            stats.HitRate,
		"success_rate":        stats.SuccessRate,
		"total_operations":    stats.TotalOperations,
		"redis_connected":     stats.RedisConnected,
		"response_time_avg_s": latency["avg"],
		"response_time_p50_s": latency["p50"],
		"response_time_p95_s": latency["p95"],
		"response_time_p99_s": latency["p99"],
		"local_cache":         dc.local.Stats(),
		"connection":          dc.conn.Stats(),
	}
}

// effectiveTTL computes the expiry for a write. An explicit requested
// TTL wins; otherwise the base TTL for the key category is reduced for
// large payloads (halved past 10 KB, quartered past 100 KB) and floored
// at five minutes.
func (dc *DistributedCache) effectiveTTL(key string, payloadBytes int, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}

	base := dc.baseTTL(CategorizeKey(key))
	if !dc.cfg.AdaptiveTTL {
		return base
	}

	ttl := base
	switch {
	case payloadBytes > hugePayloadBytes:
		ttl = base / 4
	case payloadBytes > largePayloadBytes:
		ttl = base / 2
	}

	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

func (dc *DistributedCache) baseTTL(category Category) time.Duration {
	switch category {
	case CategoryQuery:
		if dc.cfg.QueryTTL > 0 {
			return dc.cfg.QueryTTL
		}
		return 1800 * time.Second
	case CategorySession:
		if dc.cfg.SessionTTL > 0 {
			return dc.cfg.SessionTTL
		}
		return 86400 * time.Second
	case CategoryMetrics:
		if dc.cfg.MetricsTTL > 0 {
			return dc.cfg.MetricsTTL
		}
		return 300 * time.Second
	default:
		if dc.cfg.DefaultTTL > 0 {
			return dc.cfg.DefaultTTL
		}
		return 3600 * time.Second
	}
}

// remoteValue is a fetched payload paired with its remaining TTL
type remoteValue struct {
	data []byte
	ttl  time.Duration
}

// remoteGet fetches key and its remaining TTL in one pipelined round
// trip through the circuit breaker. A nil result with nil error is a
// miss; redis.Nil never counts as a breaker failure.
func (dc *DistributedCache) remoteGet(ctx context.Context, key string) (*remoteValue, error) {
	client := dc.conn.Client()
	if client == nil {
		return nil, errNoConnection
	}

	result, err := dc.breaker.Execute(func() (interface{}, error) {
		var getCmd *redis.StringCmd
		var ttlCmd *redis.DurationCmd
		_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			getCmd = pipe.Get(ctx, key)
			ttlCmd = pipe.TTL(ctx, key)
			return nil
		})
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		data, err := getCmd.Bytes()
		if err != nil {
			return nil, err
		}
		return &remoteValue{data: data, ttl: ttlCmd.Val()}, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*remoteValue), nil
}

// mirrorTTL selects the local expiry for a mirrored remote hit: the
// remaining remote lifetime when the key has one, otherwise the
// adaptive TTL (persistent remote keys carry no expiry to inherit).
func (dc *DistributedCache) mirrorTTL(key string, remote *remoteValue) time.Duration {
	if remote.ttl > 0 {
		return remote.ttl
	}
	return dc.effectiveTTL(key, len(remote.data), 0)
}

func (dc *DistributedCache) remoteSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	client := dc.conn.Client()
	if client == nil {
		return errNoConnection
	}

	_, err := dc.breaker.Execute(func() (interface{}, error) {
		return nil, client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// decode unmarshals stored bytes back into a generic value. Stored data
// always came from json.Marshal, so failures cannot happen for values
// that were accepted by Set.
func decode(data []byte) interface{} {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return string(data)
	}
	return value
}

package cache

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querycache/pkg/common/config"
)

// setupMiniRedis creates a test Redis server using miniredis
func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func cacheConfigFor(t *testing.T, mr *miniredis.Miniredis) config.CacheConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default().Cache
	cfg.Host = host
	cfg.Port = port
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.RetryDelay = 50 * time.Millisecond
	return cfg
}

func setupDistributedCache(t *testing.T, mr *miniredis.Miniredis) (*DistributedCache, *ConnectionManager) {
	t.Helper()
	cfg := cacheConfigFor(t, mr)
	conn := NewConnectionManager(cfg, nil)
	require.True(t, conn.Connect(context.Background()))
	t.Cleanup(conn.Disconnect)

	return NewDistributedCache(cfg, conn, nil, nil), conn
}

func TestDistributedCacheRoundTrip(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)
	ctx := context.Background()

	t.Run("Set Then Get", func(t *testing.T) {
		require.True(t, dc.Set(ctx, "query:abc", map[string]interface{}{"rows": 42}, time.Minute))

		value, ok := dc.Get(ctx, "query:abc")
		require.True(t, ok)
		result, ok := value.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(42), result["rows"])
	})

	t.Run("Remote Holds The Value", func(t *testing.T) {
		require.True(t, dc.Set(ctx, "query:remote", "payload", time.Minute))
		assert.True(t, mr.Exists("query:remote"))
	})

	t.Run("Miss At Both Layers", func(t *testing.T) {
		_, ok := dc.Get(ctx, "query:nope")
		assert.False(t, ok)

		stats := dc.GetStats()
		assert.Greater(t, stats.CacheMisses, int64(0))
	})

	t.Run("Expiry On Remote", func(t *testing.T) {
		// miniredis FastForward does not move the local clock, so pin
		// the local cache to an injected clock and advance both.
		base := time.Now()
		now := base
		dc.Local().now = func() time.Time { return now }

		require.True(t, dc.Set(ctx, "metrics:ttl", "v", 10*time.Second))

		mr.FastForward(11 * time.Second)
		now = base.Add(11 * time.Second)

		_, ok := dc.Get(ctx, "metrics:ttl")
		assert.False(t, ok)
	})
}

func TestAdaptiveTTL(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)

	t.Run("Category Bases", func(t *testing.T) {
		assert.Equal(t, 1800*time.Second, dc.effectiveTTL("query:x", 100, 0))
		assert.Equal(t, 86400*time.Second, dc.effectiveTTL("session:x", 100, 0))
		assert.Equal(t, 300*time.Second, dc.effectiveTTL("metrics:x", 100, 0))
		assert.Equal(t, 3600*time.Second, dc.effectiveTTL("other", 100, 0))
	})

	t.Run("Large Payload Halves", func(t *testing.T) {
		assert.Equal(t, 900*time.Second, dc.effectiveTTL("query:x", 11000, 0))
	})

	t.Run("Huge Payload Quarters", func(t *testing.T) {
		assert.Equal(t, 450*time.Second, dc.effectiveTTL("query:x", 101000, 0))
	})

	t.Run("Floor At Five Minutes", func(t *testing.T) {
		assert.Equal(t, 300*time.Second, dc.effectiveTTL("metrics:x", 101000, 0))
	})

	t.Run("Explicit TTL Wins", func(t *testing.T) {
		assert.Equal(t, 42*time.Second, dc.effectiveTTL("query:x", 101000, 42*time.Second))
	})

	t.Run("Applied To Remote Write", func(t *testing.T) {
		payload := strings.Repeat("x", 11000)
		require.True(t, dc.Set(context.Background(), "query:large", payload, 0))
		assert.Equal(t, 900*time.Second, mr.TTL("query:large"))
	})
}

func TestMirrorHonorsRemoteTTL(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)
	ctx := context.Background()

	base := time.Now()
	now := base
	dc.Local().now = func() time.Time { return now }

	require.True(t, dc.Set(ctx, "query:short", "v", time.Second))

	// A connected read must mirror with the remaining remote lifetime,
	// not a fresh adaptive TTL that outlives the writer's expiry.
	_, ok := dc.Get(ctx, "query:short")
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	now = base.Add(2 * time.Second)

	_, ok = dc.Get(ctx, "query:short")
	assert.False(t, ok, "value must be absent everywhere once the TTL elapses")
}

func TestRemoteFailureCounting(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, conn := setupDistributedCache(t, mr)
	ctx := context.Background()

	// Server dies before the state machine notices, so the write still
	// attempts the remote path.
	mr.Close()
	require.Equal(t, StateConnected, conn.State())

	require.True(t, dc.Set(ctx, "query:x", "v", time.Minute), "local write still succeeds")

	stats := dc.GetStats()
	assert.Equal(t, int64(1), stats.RemoteFailures)
	assert.Equal(t, int64(0), stats.FailedOperations, "the caller saw no failure")
	assert.Equal(t, StateReconnecting, conn.State())
}

func TestDegradedMode(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, conn := setupDistributedCache(t, mr)
	ctx := context.Background()

	// Seed while connected so the local mirror holds the value.
	require.True(t, dc.Set(ctx, "query:seed", "warm", time.Minute))

	mr.Close()
	conn.healthCheck(ctx)
	require.Equal(t, StateFailed, conn.State())

	t.Run("Get Served From Local Mirror", func(t *testing.T) {
		value, ok := dc.Get(ctx, "query:seed")
		require.True(t, ok)
		assert.Equal(t, "warm", value)
	})

	t.Run("Set Succeeds Locally", func(t *testing.T) {
		require.True(t, dc.Set(ctx, "query:offline", "v", time.Minute))

		value, ok := dc.Get(ctx, "query:offline")
		require.True(t, ok)
		assert.Equal(t, "v", value)
	})

	t.Run("Stats Report Disconnected", func(t *testing.T) {
		stats := dc.GetStats()
		assert.False(t, stats.RedisConnected)
	})

	t.Run("Exists Reports Absent", func(t *testing.T) {
		assert.False(t, dc.Exists(ctx, "query:seed"))
	})
}

func TestMirrorSurvivesDisconnect(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, conn := setupDistributedCache(t, mr)
	ctx := context.Background()

	// Write through another path so only the remote holds the value.
	require.NoError(t, mr.Set("query:only-remote", `"hello"`))

	// A connected read mirrors the value locally.
	value, ok := dc.Get(ctx, "query:only-remote")
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	mr.Close()
	conn.healthCheck(ctx)
	require.Equal(t, StateFailed, conn.State())

	value, ok = dc.Get(ctx, "query:only-remote")
	require.True(t, ok, "mirrored value should survive the disconnect")
	assert.Equal(t, "hello", value)
}

func TestDelete(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)
	ctx := context.Background()

	require.True(t, dc.Set(ctx, "query:gone", "v", time.Minute))
	require.True(t, dc.Delete(ctx, "query:gone"))
	assert.False(t, mr.Exists("query:gone"))
}

func TestClearPattern(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)
	ctx := context.Background()

	require.True(t, dc.Set(ctx, "query:a", "1", time.Minute))
	require.True(t, dc.Set(ctx, "query:b", "2", time.Minute))
	require.True(t, dc.Set(ctx, "session:c", "3", time.Minute))

	removed := dc.ClearPattern(ctx, "query:*")
	assert.Equal(t, 2, removed)
	assert.False(t, mr.Exists("query:a"))
	assert.True(t, mr.Exists("session:c"))
}

func TestSerializationFailure(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)

	// Channels cannot be serialized; the set must fail without panicking.
	assert.False(t, dc.Set(context.Background(), "query:bad", make(chan int), time.Minute))
}

func TestPerformanceMetrics(t *testing.T) {
	mr := setupMiniRedis(t)
	dc, _ := setupDistributedCache(t, mr)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dc.Set(ctx, "query:perf", i, time.Minute)
		dc.Get(ctx, "query:perf")
	}

	metrics := dc.GetPerformanceMetrics()
	assert.Contains(t, metrics, "hit_rate")
	assert.Contains(t, metrics, "response_time_p95_s")
	assert.Equal(t, true, metrics["redis_connected"])
}

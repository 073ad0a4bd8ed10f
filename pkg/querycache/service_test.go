package querycache

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymesh/querycache/pkg/cache"
	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/warming"
)

// passthroughExecutor answers every warming query with a fixed result
type passthroughExecutor struct{}

func (passthroughExecutor) Execute(_ context.Context, query string, _ map[string]interface{}, _ int) (*warming.QueryResult, error) {
	return &warming.QueryResult{
		Records:      []interface{}{map[string]interface{}{"query": query}},
		TotalRecords: 1,
	}, nil
}

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Cache.Host = host
	cfg.Cache.Port = port
	cfg.Cache.ConnectTimeout = 500 * time.Millisecond
	cfg.Cache.RetryDelay = 50 * time.Millisecond
	return cfg
}

func startService(t *testing.T, mr *miniredis.Miniredis) *Service {
	t.Helper()
	svc, err := New(testConfig(t, mr), passthroughExecutor{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop(ctx) })
	return svc
}

func TestNewValidation(t *testing.T) {
	t.Run("Nil Config", func(t *testing.T) {
		_, err := New(nil, passthroughExecutor{}, nil)
		assert.Error(t, err)
	})

	t.Run("Invalid Config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Cache.Host = ""
		_, err := New(cfg, passthroughExecutor{}, nil)
		assert.Error(t, err)
	})

	t.Run("Executor Required When Warming Enabled", func(t *testing.T) {
		_, err := New(config.Default(), nil, nil)
		assert.ErrorContains(t, err, "query executor")
	})

	t.Run("Executor Optional When Warming Disabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Warming.Enabled = false
		_, err := New(cfg, nil, nil)
		assert.NoError(t, err)
	})
}

func TestServiceLifecycle(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := New(testConfig(t, mr), passthroughExecutor{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	assert.Error(t, svc.Start(ctx), "double start must fail")

	assert.Equal(t, cache.StateConnected, svc.Connection().State())

	require.NoError(t, svc.Stop(ctx))
	assert.NoError(t, svc.Stop(ctx), "stop is idempotent")
}

func TestServiceStartsDegradedWithoutRemote(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Host = "127.0.0.1"
	cfg.Cache.Port = 1
	cfg.Cache.ConnectTimeout = 200 * time.Millisecond
	cfg.Cache.RetryDelay = 20 * time.Millisecond

	svc, err := New(cfg, passthroughExecutor{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx), "unreachable remote must not fail startup")
	t.Cleanup(func() { _ = svc.Stop(ctx) })

	// Local-only round trip while degraded
	require.True(t, svc.CacheSet(ctx, "query:offline", "v", time.Minute))
	value, ok := svc.CacheGet(ctx, "query:offline")
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestServiceCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc := startService(t, mr)
	ctx := context.Background()

	require.True(t, svc.CacheSet(ctx, "query:abc", map[string]interface{}{"rows": 3}, time.Minute))

	value, ok := svc.CacheGet(ctx, "query:abc")
	require.True(t, ok)
	result, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), result["rows"])

	require.True(t, svc.CacheDelete(ctx, "query:abc"))
	assert.False(t, mr.Exists("query:abc"))
}

func TestServiceRecordAndRecommend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc := startService(t, mr)

	var fp string
	for _, user := range []string{"alice", "bob", "carol"} {
		fp = svc.RecordQueryAccess("failed logins last hour", nil, user, 2500*time.Millisecond, true, 50_000)
	}
	require.Len(t, fp, 16)

	recs := svc.GetRecommendations(5)
	require.NotEmpty(t, recs)
	assert.Equal(t, fp, recs[0].Fingerprint)
}

func TestServiceForceWarm(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc := startService(t, mr)

	task := svc.ForceWarm("select * from audit", nil)
	require.NotNil(t, task)
	assert.Equal(t, warming.PriorityHigh, task.Priority)

	t.Run("Explicit Priority", func(t *testing.T) {
		task := svc.ForceWarm("another query", nil, warming.PriorityCritical)
		require.NotNil(t, task)
		assert.Equal(t, warming.PriorityCritical, task.Priority)
	})
}

func TestServiceStats(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc := startService(t, mr)
	ctx := context.Background()

	svc.CacheSet(ctx, "query:x", "v", time.Minute)
	svc.CacheGet(ctx, "query:x")
	svc.CacheGet(ctx, "query:missing")

	cacheStats := svc.GetCacheStats()
	assert.Contains(t, cacheStats, "hit_rate")
	assert.Contains(t, cacheStats, "cache_hits")
	assert.Equal(t, true, cacheStats["redis_connected"])

	warmingStats := svc.GetWarmingStats()
	assert.Contains(t, warmingStats, "total_warmed")
	assert.Equal(t, true, warmingStats["enabled"])
}

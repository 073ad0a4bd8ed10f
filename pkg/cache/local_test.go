package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheGetSet(t *testing.T) {
	lc := NewLocalCache(10, nil)

	t.Run("Round Trip", func(t *testing.T) {
		lc.Set("key1", []byte("value1"), time.Minute)

		data, ok := lc.Get("key1")
		require.True(t, ok)
		assert.Equal(t, []byte("value1"), data)
	})

	t.Run("Missing Key", func(t *testing.T) {
		_, ok := lc.Get("missing")
		assert.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		lc.Set("key1", []byte("updated"), time.Minute)

		data, ok := lc.Get("key1")
		require.True(t, ok)
		assert.Equal(t, []byte("updated"), data)
	})
}

func TestLocalCacheLazyExpiry(t *testing.T) {
	lc := NewLocalCache(10, nil)

	now := time.Now()
	lc.now = func() time.Time { return now }

	lc.Set("short", []byte("v"), time.Second)
	require.Equal(t, 1, lc.Len())

	// Advance past expiry: the entry reads as absent and is removed.
	now = now.Add(2 * time.Second)

	_, ok := lc.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 0, lc.Len())
}

func TestLocalCacheEviction(t *testing.T) {
	t.Run("Never Exceeds Max Size", func(t *testing.T) {
		lc := NewLocalCache(5, nil)

		for i := 0; i < 50; i++ {
			lc.Set(fmt.Sprintf("key%d", i), []byte("v"), time.Minute)
			assert.LessOrEqual(t, lc.Len(), 5)
		}
	})

	t.Run("Expired Entries Evicted Before Live Ones", func(t *testing.T) {
		lc := NewLocalCache(3, nil)

		now := time.Now()
		lc.now = func() time.Time { return now }

		lc.Set("expired", []byte("v"), time.Second)
		lc.Set("live1", []byte("v"), time.Hour)
		lc.Set("live2", []byte("v"), time.Hour)

		now = now.Add(2 * time.Second)

		// Insert past capacity: the expired entry goes first.
		lc.Set("live3", []byte("v"), time.Hour)

		_, ok := lc.Get("live1")
		assert.True(t, ok)
		_, ok = lc.Get("live2")
		assert.True(t, ok)
		_, ok = lc.Get("live3")
		assert.True(t, ok)
	})

	t.Run("Nearest Expiry Evicted First", func(t *testing.T) {
		lc := NewLocalCache(3, nil)

		lc.Set("soon", []byte("v"), time.Minute)
		lc.Set("later", []byte("v"), time.Hour)
		lc.Set("latest", []byte("v"), 2*time.Hour)

		lc.Set("new", []byte("v"), time.Hour)

		_, ok := lc.Get("soon")
		assert.False(t, ok, "entry with nearest expiry should have been evicted")
		_, ok = lc.Get("later")
		assert.True(t, ok)
		_, ok = lc.Get("latest")
		assert.True(t, ok)
		_, ok = lc.Get("new")
		assert.True(t, ok)
	})
}

func TestLocalCacheStats(t *testing.T) {
	lc := NewLocalCache(10, nil)

	lc.Set("key", []byte("v"), time.Minute)
	lc.Get("key")
	lc.Get("key")
	lc.Get("missing")

	stats := lc.Stats()
	assert.Equal(t, int64(2), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.InDelta(t, 2.0/3.0, stats["hit_rate"], 0.001)
}

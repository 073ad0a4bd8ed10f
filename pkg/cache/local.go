package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/querymesh/querycache/pkg/observability"
)

// localEntry is a stored value with its expiry time. Values are kept as
// serialized bytes so local copies are independent snapshots.
type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// LocalCache is the bounded in-process fallback store. It mirrors every
// successful remote write and serves all traffic when the remote cache
// is unavailable.
//
// Eviction on insert past capacity runs in two passes: expired entries
// are dropped first, then live entries with the nearest expiry time
// until the cache is back under its size bound. Expiry order stands in
// for LRU order because expiry is already tracked per entry and a
// second access-order index would double the bookkeeping.
//
// LocalCache is safe for concurrent use.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	maxSize int

	hits      int64
	misses    int64
	evictions int64

	logger observability.Logger
	now    func() time.Time
}

// NewLocalCache creates a local fallback cache bounded to maxSize
// entries (defaults to 1000 if <= 0).
func NewLocalCache(maxSize int, logger observability.Logger) *LocalCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if logger == nil {
		logger = observability.NewLogger("cache.local")
	}

	return &LocalCache{
		entries: make(map[string]localEntry),
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the stored bytes for key. An expired entry is removed and
// reported as a miss.
func (lc *LocalCache) Get(key string) ([]byte, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	entry, ok := lc.entries[key]
	if !ok {
		lc.misses++
		return nil, false
	}

	if lc.now().After(entry.expiresAt) {
		delete(lc.entries, key)
		lc.misses++
		return nil, false
	}

	lc.hits++
	return entry.data, true
}

// Set stores data under key with the given TTL, evicting as needed to
// stay within the size bound.
func (lc *LocalCache) Set(key string, data []byte, ttl time.Duration) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, exists := lc.entries[key]; !exists && len(lc.entries) >= lc.maxSize {
		lc.evictLocked()
	}

	lc.entries[key] = localEntry{
		data:      data,
		expiresAt: lc.now().Add(ttl),
	}
}

// Delete removes an entry from the cache
func (lc *LocalCache) Delete(key string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	delete(lc.entries, key)
}

// Len returns the number of stored entries, including any not yet
// lazily purged.
func (lc *LocalCache) Len() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.entries)
}

// Stats returns local cache statistics
func (lc *LocalCache) Stats() map[string]interface{} {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	total := lc.hits + lc.misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(lc.hits) / float64(total)
	}

	return map[string]interface{}{
		"type":      "in-memory",
		"entries":   len(lc.entries),
		"max_size":  lc.maxSize,
		"hits":      lc.hits,
		"misses":    lc.misses,
		"evictions": lc.evictions,
		"hit_rate":  hitRate,
	}
}

// evictLocked makes room for one insert. Callers must hold lc.mu.
func (lc *LocalCache) evictLocked() {
	now := lc.now()

	// Pass 1: drop everything already expired.
	for key, entry := range lc.entries {
		if now.After(entry.expiresAt) {
			delete(lc.entries, key)
			lc.evictions++
		}
	}

	if len(lc.entries) < lc.maxSize {
		return
	}

	// Pass 2: drop live entries with the nearest expiry until there is
	// room for the incoming entry.
	type keyedExpiry struct {
		key       string
		expiresAt time.Time
	}

	ordered := make([]keyedExpiry, 0, len(lc.entries))
	for key, entry := range lc.entries {
		ordered = append(ordered, keyedExpiry{key: key, expiresAt: entry.expiresAt})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].expiresAt.Before(ordered[j].expiresAt)
	})

	for _, candidate := range ordered {
		if len(lc.entries) < lc.maxSize {
			break
		}
		delete(lc.entries, candidate.key)
		lc.evictions++
	}

	lc.logger.Debug("Evicted entries from local cache", map[string]interface{}{
		"entries": len(lc.entries),
	})
}

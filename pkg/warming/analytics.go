// Package warming implements the self-learning cache warming engine:
// per-query access analytics, pattern-driven task scheduling, and
// bounded-concurrency task execution against a query executor.
package warming

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/querymesh/querycache/pkg/observability"
)

const (
	// maxHourSamples bounds the hour-of-day ring buffer per query
	maxHourSamples = 50
	// maxUserSequence bounds the per-user recent-query history
	maxUserSequence = 20
	// maxTrackedUsers bounds the per-user sequence store
	maxTrackedUsers = 1000
)

// QueryAnalytics holds the tracked access statistics for one query
// fingerprint. Exported fields are snapshots; the tracker owns the
// mutable record.
type QueryAnalytics struct {
	Fingerprint     string                 `json:"fingerprint"`
	Query           string                 `json:"query"`
	Filters         map[string]interface{} `json:"filters"`
	AccessCount     int64                  `json:"access_count"`
	FirstAccessed   time.Time              `json:"first_accessed"`
	LastAccessed    time.Time              `json:"last_accessed"`
	AvgResponseTime float64                `json:"avg_response_time"` // seconds, exponential moving average
	DistinctUsers   int                    `json:"distinct_users"`
	HourHistogram   []int                  `json:"hour_histogram"` // ring of observed hours, capped
	SuccessRate     float64                `json:"success_rate"`   // percent
	PayloadSize     int64                  `json:"payload_size"`   // bytes, most recent
	CacheValueScore float64                `json:"cache_value_score"`

	successCount int64
	users        map[string]struct{}
}

// Tracker records per-fingerprint access analytics and derives the
// cache value score used by the warming scheduler. It also maintains a
// bounded per-user history of recent fingerprints for the predictive
// sequence strategy.
//
// Tracker is safe for concurrent use. Records are never deleted
// explicitly; they age out once last access falls outside the learning
// window (see Prune).
type Tracker struct {
	mu      sync.RWMutex
	queries map[string]*QueryAnalytics

	userHistory *lru.Cache[string, []string]

	learningWindow time.Duration
	logger         observability.Logger
	now            func() time.Time
}

// NewTracker creates an analytics tracker with the given learning
// window in days (defaults to 7 if <= 0).
func NewTracker(learningWindowDays int, logger observability.Logger) *Tracker {
	if learningWindowDays <= 0 {
		learningWindowDays = 7
	}
	if logger == nil {
		logger = observability.NewLogger("warming.analytics")
	}

	history, _ := lru.New[string, []string](maxTrackedUsers)

	return &Tracker{
		queries:        make(map[string]*QueryAnalytics),
		userHistory:    history,
		learningWindow: time.Duration(learningWindowDays) * 24 * time.Hour,
		logger:         logger,
		now:            time.Now,
	}
}

// Fingerprint computes the stable identity of a query + filters
// combination: an FNV-64a hash of the normalized query text and the
// sorted filter key/value pairs, rendered as 16 hex digits.
func Fingerprint(query string, filters map[string]interface{}) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizeQuery(query)))

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(h, "|%s=%v", k, filters[k])
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

// normalizeQuery lowercases and collapses whitespace so trivially
// different spellings share a fingerprint.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// RecordAccess records one observed query access and returns the query
// fingerprint. Response time feeds an exponential moving average
// (0.8 old, 0.2 sample); the cache value score is recomputed on every
// access.
func (t *Tracker) RecordAccess(query string, filters map[string]interface{}, userID string, responseTime time.Duration, success bool, payloadSize int64) string {
	fingerprint := Fingerprint(query, filters)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.queries[fingerprint]
	if !ok {
		record = &QueryAnalytics{
			Fingerprint:   fingerprint,
			Query:         query,
			Filters:       copyFilters(filters),
			FirstAccessed: now,
			users:         make(map[string]struct{}),
		}
		t.queries[fingerprint] = record
	}

	record.AccessCount++
	record.LastAccessed = now

	sample := responseTime.Seconds()
	if record.AccessCount == 1 {
		record.AvgResponseTime = sample
	} else {
		record.AvgResponseTime = 0.8*record.AvgResponseTime + 0.2*sample
	}

	record.HourHistogram = append(record.HourHistogram, now.Hour())
	if len(record.HourHistogram) > maxHourSamples {
		record.HourHistogram = record.HourHistogram[len(record.HourHistogram)-maxHourSamples:]
	}

	if userID != "" {
		record.users[userID] = struct{}{}
	}
	record.DistinctUsers = len(record.users)

	if success {
		record.successCount++
	}
	record.SuccessRate = float64(record.successCount) / float64(record.AccessCount) * 100

	record.PayloadSize = payloadSize
	record.CacheValueScore = computeScore(record, now)

	if userID != "" {
		t.appendUserSequence(userID, fingerprint)
	}

	return fingerprint
}

// Get returns a snapshot of the analytics record for a fingerprint
func (t *Tracker) Get(fingerprint string) (QueryAnalytics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.queries[fingerprint]
	if !ok {
		return QueryAnalytics{}, false
	}
	return record.clone(), true
}

// Snapshot returns copies of every tracked analytics record
func (t *Tracker) Snapshot() []QueryAnalytics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]QueryAnalytics, 0, len(t.queries))
	for _, record := range t.queries {
		result = append(result, record.clone())
	}
	return result
}

// Len returns the number of tracked fingerprints
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queries)
}

// Prune removes records whose last access is older than the learning
// window and returns the number removed.
func (t *Tracker) Prune() int {
	cutoff := t.now().Add(-t.learningWindow)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for fingerprint, record := range t.queries {
		if record.LastAccessed.Before(cutoff) {
			delete(t.queries, fingerprint)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Info("Pruned stale query analytics", map[string]interface{}{
			"removed":   removed,
			"remaining": len(t.queries),
		})
	}
	return removed
}

// Sequences returns a copy of each tracked user's recent fingerprint
// sequence, oldest first.
func (t *Tracker) Sequences() map[string][]string {
	result := make(map[string][]string)
	for _, userID := range t.userHistory.Keys() {
		if seq, ok := t.userHistory.Get(userID); ok {
			copied := make([]string, len(seq))
			copy(copied, seq)
			result[userID] = copied
		}
	}
	return result
}

func (t *Tracker) appendUserSequence(userID, fingerprint string) {
	seq, _ := t.userHistory.Get(userID)

	// Skip immediate repeats so page refreshes do not flood the history
	if len(seq) > 0 && seq[len(seq)-1] == fingerprint {
		return
	}

	seq = append(seq, fingerprint)
	if len(seq) > maxUserSequence {
		seq = seq[len(seq)-maxUserSequence:]
	}
	t.userHistory.Add(userID, seq)
}

// computeScore derives the cache value score in [0, 100]:
// popularity (access rate, distinct users, recency) plus factors for
// response time and payload size, minus a penalty for failures.
func computeScore(record *QueryAnalytics, now time.Time) float64 {
	ageDays := now.Sub(record.FirstAccessed).Hours() / 24
	if ageDays < 1.0/24 {
		ageDays = 1.0 / 24
	}
	accessesPerDay := float64(record.AccessCount) / ageDays
	hoursSinceLast := now.Sub(record.LastAccessed).Hours()
	users := float64(len(record.users))

	popularity := math.Min(100, accessesPerDay*10) +
		5*users +
		math.Max(0, 50-hoursSinceLast)
	timeFactor := math.Min(50, record.AvgResponseTime*10)
	sizeFactor := math.Min(30, float64(record.PayloadSize)/1000)
	userBonus := math.Min(20, users*2)
	successPenalty := (100 - record.SuccessRate) * 0.5

	score := popularity + timeFactor + sizeFactor + userBonus - successPenalty

	return math.Max(0, math.Min(100, score))
}

func (record *QueryAnalytics) clone() QueryAnalytics {
	copied := *record
	copied.Filters = copyFilters(record.Filters)
	copied.HourHistogram = append([]int(nil), record.HourHistogram...)
	copied.users = nil
	return copied
}

func copyFilters(filters map[string]interface{}) map[string]interface{} {
	if filters == nil {
		return nil
	}
	copied := make(map[string]interface{}, len(filters))
	for k, v := range filters {
		copied[k] = v
	}
	return copied
}

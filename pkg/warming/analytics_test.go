package warming

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Run("Sixteen Hex Digits", func(t *testing.T) {
		fp := Fingerprint("SELECT * FROM logs", nil)
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), fp)
	})

	t.Run("Normalization", func(t *testing.T) {
		a := Fingerprint("SELECT  *   FROM logs", nil)
		b := Fingerprint("select * from logs", nil)
		assert.Equal(t, a, b)
	})

	t.Run("Filter Order Does Not Matter", func(t *testing.T) {
		a := Fingerprint("q", map[string]interface{}{"x": 1, "y": "z"})
		b := Fingerprint("q", map[string]interface{}{"y": "z", "x": 1})
		assert.Equal(t, a, b)
	})

	t.Run("Different Filters Differ", func(t *testing.T) {
		a := Fingerprint("q", map[string]interface{}{"x": 1})
		b := Fingerprint("q", map[string]interface{}{"x": 2})
		assert.NotEqual(t, a, b)
	})

	t.Run("Different Queries Differ", func(t *testing.T) {
		assert.NotEqual(t, Fingerprint("q1", nil), Fingerprint("q2", nil))
	})
}

func TestTrackerRecordAccess(t *testing.T) {
	tracker := NewTracker(7, nil)

	fp := tracker.RecordAccess("select * from logs", nil, "alice", time.Second, true, 1000)

	record, ok := tracker.Get(fp)
	require.True(t, ok)
	assert.Equal(t, int64(1), record.AccessCount)
	assert.Equal(t, 1.0, record.AvgResponseTime)
	assert.Equal(t, 1, record.DistinctUsers)
	assert.Equal(t, float64(100), record.SuccessRate)
	assert.Equal(t, int64(1000), record.PayloadSize)

	t.Run("Response Time Moving Average", func(t *testing.T) {
		tracker.RecordAccess("select * from logs", nil, "alice", 2*time.Second, true, 1000)

		record, ok := tracker.Get(fp)
		require.True(t, ok)
		// 0.8 * 1.0 + 0.2 * 2.0
		assert.InDelta(t, 1.2, record.AvgResponseTime, 0.0001)
	})

	t.Run("Distinct Users", func(t *testing.T) {
		tracker.RecordAccess("select * from logs", nil, "bob", time.Second, true, 1000)
		tracker.RecordAccess("select * from logs", nil, "bob", time.Second, true, 1000)

		record, ok := tracker.Get(fp)
		require.True(t, ok)
		assert.Equal(t, 2, record.DistinctUsers)
	})

	t.Run("Success Rate Tracks Failures", func(t *testing.T) {
		tracker.RecordAccess("select * from logs", nil, "bob", time.Second, false, 1000)

		record, ok := tracker.Get(fp)
		require.True(t, ok)
		// 4 of 5 accesses succeeded
		assert.InDelta(t, 80, record.SuccessRate, 0.0001)
	})
}

func TestCacheValueScore(t *testing.T) {
	t.Run("Hot Query Scores High", func(t *testing.T) {
		tracker := NewTracker(7, nil)

		// Security dashboard scenario: a slow, large, multi-user query
		// accessed repeatedly should clear the warming threshold.
		var fp string
		users := []string{"alice", "bob", "carol", "alice", "bob"}
		for _, user := range users {
			fp = tracker.RecordAccess("failed logins last hour", map[string]interface{}{"severity": "high"}, user, 2500*time.Millisecond, true, 50_000)
		}

		record, ok := tracker.Get(fp)
		require.True(t, ok)
		assert.Greater(t, record.CacheValueScore, float64(60))
		assert.LessOrEqual(t, record.CacheValueScore, float64(100))
	})

	t.Run("Stale Failing Query Scores Low", func(t *testing.T) {
		tracker := NewTracker(30, nil)

		now := time.Now()
		tracker.now = func() time.Time { return now }

		fp := tracker.RecordAccess("flaky report", nil, "alice", 0, false, 0)

		// A second access ten days later dilutes the access rate.
		now = now.Add(10 * 24 * time.Hour)
		tracker.RecordAccess("flaky report", nil, "alice", 0, false, 0)

		record, ok := tracker.Get(fp)
		require.True(t, ok)
		assert.GreaterOrEqual(t, record.CacheValueScore, float64(0))
		assert.Less(t, record.CacheValueScore, float64(60))
	})

	t.Run("More Accesses Never Lower The Score", func(t *testing.T) {
		tracker := NewTracker(7, nil)

		now := time.Now()
		tracker.now = func() time.Time { return now }

		previous := float64(-1)
		for i := 0; i < 20; i++ {
			fp := tracker.RecordAccess("steady query", nil, "alice", time.Second, true, 1000)
			record, ok := tracker.Get(fp)
			require.True(t, ok)
			assert.GreaterOrEqual(t, record.CacheValueScore, previous)
			previous = record.CacheValueScore
		}
	})

	t.Run("Score Never Leaves Bounds", func(t *testing.T) {
		tracker := NewTracker(7, nil)

		for i := 0; i < 200; i++ {
			fp := tracker.RecordAccess("bounded", nil, fmt.Sprintf("user%d", i), 10*time.Second, i%2 == 0, 1_000_000)
			record, ok := tracker.Get(fp)
			require.True(t, ok)
			assert.GreaterOrEqual(t, record.CacheValueScore, float64(0))
			assert.LessOrEqual(t, record.CacheValueScore, float64(100))
		}
	})
}

func TestTrackerPrune(t *testing.T) {
	tracker := NewTracker(7, nil)

	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.RecordAccess("old query", nil, "alice", time.Second, true, 100)

	now = now.Add(8 * 24 * time.Hour)
	tracker.RecordAccess("fresh query", nil, "alice", time.Second, true, 100)

	require.Equal(t, 2, tracker.Len())
	assert.Equal(t, 1, tracker.Prune())
	assert.Equal(t, 1, tracker.Len())

	_, ok := tracker.Get(Fingerprint("fresh query", nil))
	assert.True(t, ok, "record inside the learning window must survive")
}

func TestTrackerSequences(t *testing.T) {
	tracker := NewTracker(7, nil)

	tracker.RecordAccess("q1", nil, "alice", time.Second, true, 0)
	tracker.RecordAccess("q2", nil, "alice", time.Second, true, 0)
	// Immediate repeat is collapsed
	tracker.RecordAccess("q2", nil, "alice", time.Second, true, 0)
	tracker.RecordAccess("q3", nil, "alice", time.Second, true, 0)

	sequences := tracker.Sequences()
	require.Contains(t, sequences, "alice")
	assert.Equal(t, []string{
		Fingerprint("q1", nil),
		Fingerprint("q2", nil),
		Fingerprint("q3", nil),
	}, sequences["alice"])
}

func TestTrackerHourHistogramBound(t *testing.T) {
	tracker := NewTracker(7, nil)

	for i := 0; i < maxHourSamples+20; i++ {
		tracker.RecordAccess("hourly", nil, "alice", time.Second, true, 0)
	}

	record, ok := tracker.Get(Fingerprint("hourly", nil))
	require.True(t, ok)
	assert.Len(t, record.HourHistogram, maxHourSamples)
}

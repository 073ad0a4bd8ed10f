package warming

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
)

// frequencyScoreThreshold is the cache value score above which a query
// qualifies for frequency-based warming.
const frequencyScoreThreshold = 60

// CacheChecker reports whether a key is already present in the remote
// cache. DistributedCache satisfies it.
type CacheChecker interface {
	Exists(ctx context.Context, key string) bool
}

// Scheduler analyzes tracked query analytics on a fixed interval and
// emits prioritized warming tasks via three strategies: frequency-based,
// time-of-day-based, and predictive sequence-based. Tasks are appended
// to the shared pending queue; a fingerprint that is already pending or
// actively warming is never scheduled again.
type Scheduler struct {
	cfg     config.WarmingConfig
	tracker *Tracker
	cache   CacheChecker
	queue   *taskQueue
	active  *activeSet
	logger  observability.Logger

	mu   sync.Mutex
	rand *rand.Rand
	now  func() time.Time

	scheduled map[string]int64 // per-strategy task counters
}

// NewScheduler creates a warming scheduler over the shared task queue
// and active set.
func NewScheduler(
	cfg config.WarmingConfig,
	tracker *Tracker,
	cache CacheChecker,
	queue *taskQueue,
	active *activeSet,
	logger observability.Logger,
) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger("warming.scheduler")
	}

	return &Scheduler{
		cfg:       cfg,
		tracker:   tracker,
		cache:     cache,
		queue:     queue,
		active:    active,
		logger:    logger,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		scheduled: make(map[string]int64),
	}
}

// RunOnce executes one analysis pass of all three strategies
func (s *Scheduler) RunOnce(ctx context.Context) {
	analytics := s.tracker.Snapshot()

	added := 0
	added += s.frequencyStrategy(ctx, analytics)
	added += s.timeOfDayStrategy(analytics)
	added += s.sequenceStrategy(analytics)

	if added > 0 {
		s.logger.Info("Warming analysis pass complete", map[string]interface{}{
			"tasks_added": added,
			"pending":     s.queue.len(),
		})
	}
}

// Force schedules an immediate warming task regardless of analytics,
// used by the ForceWarm API. It returns the created task, or nil when
// the fingerprint is already pending or active.
func (s *Scheduler) Force(query string, filters map[string]interface{}, priority Priority) *Task {
	fingerprint := Fingerprint(query, filters)
	if s.active.contains(fingerprint) {
		return nil
	}

	estimated := s.estimatedDuration(fingerprint)
	task := newTask(fingerprint, query, filters, priority, s.now(), estimated, "forced")
	if !s.queue.add(task) {
		return nil
	}
	return task
}

// frequencyStrategy schedules Critical tasks for high-value queries not
// already in the remote cache, with a small randomized delay to avoid
// thundering-herd warming.
func (s *Scheduler) frequencyStrategy(ctx context.Context, analytics []QueryAnalytics) int {
	added := 0
	for _, record := range analytics {
		if record.CacheValueScore <= frequencyScoreThreshold {
			continue
		}
		if record.AccessCount < int64(s.minAccessCount()) {
			continue
		}
		if s.skip(record.Fingerprint) {
			continue
		}
		if s.cache.Exists(ctx, "query:"+record.Fingerprint) {
			continue
		}

		delay := s.jitter(10*time.Second, 120*time.Second)
		task := newTask(
			record.Fingerprint,
			record.Query,
			record.Filters,
			PriorityCritical,
			s.now().Add(delay),
			secondsToDuration(record.AvgResponseTime),
			"frequency",
		)
		if s.queue.add(task) {
			added++
			s.countStrategy("frequency")
		}
	}
	return added
}

// timeOfDayStrategy schedules High tasks for queries historically
// popular in the upcoming hour, 10-15 minutes before that hour begins.
func (s *Scheduler) timeOfDayStrategy(analytics []QueryAnalytics) int {
	now := s.now()
	upcomingHour := now.Truncate(time.Hour).Add(time.Hour)

	added := 0
	for _, record := range analytics {
		hits := 0
		for _, hour := range record.HourHistogram {
			if hour == upcomingHour.Hour() {
				hits++
			}
		}
		if hits < 2 {
			continue
		}
		if s.skip(record.Fingerprint) {
			continue
		}

		lead := s.jitter(10*time.Minute, 15*time.Minute)
		scheduledAt := upcomingHour.Add(-lead)
		if scheduledAt.Before(now) {
			scheduledAt = now
		}

		task := newTask(
			record.Fingerprint,
			record.Query,
			record.Filters,
			PriorityHigh,
			scheduledAt,
			secondsToDuration(record.AvgResponseTime),
			"time_of_day",
		)
		if s.queue.add(task) {
			added++
			s.countStrategy("time_of_day")
		}
	}
	return added
}

// sequenceStrategy predicts the next query from cross-user sequence
// matches: when another user issued the same last-3-query sequence and
// then a 4th query, that 4th query is warmed as a Medium task. This is
// a collaborative heuristic, not a trained model.
func (s *Scheduler) sequenceStrategy(analytics []QueryAnalytics) int {
	sequences := s.tracker.Sequences()
	if len(sequences) < 2 {
		return 0
	}

	byFingerprint := make(map[string]QueryAnalytics, len(analytics))
	for _, record := range analytics {
		byFingerprint[record.Fingerprint] = record
	}

	added := 0
	for userID, history := range sequences {
		if len(history) < 3 {
			continue
		}
		recent := history[len(history)-3:]

		followers := make(map[string]int)
		for otherID, otherHistory := range sequences {
			if otherID == userID {
				continue
			}
			for i := 0; i+3 < len(otherHistory); i++ {
				if otherHistory[i] == recent[0] && otherHistory[i+1] == recent[1] && otherHistory[i+2] == recent[2] {
					followers[otherHistory[i+3]]++
				}
			}
		}

		next, count := "", 0
		for fingerprint, n := range followers {
			if n > count {
				next, count = fingerprint, n
			}
		}
		if next == "" || count < 2 {
			continue
		}
		if s.skip(next) {
			continue
		}

		record, ok := byFingerprint[next]
		if !ok {
			continue
		}

		delay := s.jitter(30*time.Second, 300*time.Second)
		task := newTask(
			record.Fingerprint,
			record.Query,
			record.Filters,
			PriorityMedium,
			s.now().Add(delay),
			secondsToDuration(record.AvgResponseTime),
			"sequence",
		)
		if s.queue.add(task) {
			added++
			s.countStrategy("sequence")
		}
	}
	return added
}

// Stats returns per-strategy scheduling counters
func (s *Scheduler) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]int64, len(s.scheduled))
	for strategy, count := range s.scheduled {
		result[strategy] = count
	}
	return result
}

// skip reports whether a fingerprint must not be scheduled now
func (s *Scheduler) skip(fingerprint string) bool {
	return s.queue.has(fingerprint) || s.active.contains(fingerprint)
}

// jitter returns a uniformly random duration in [min, max]
func (s *Scheduler) jitter(min, max time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= min {
		return min
	}
	return min + time.Duration(s.rand.Int63n(int64(max-min)))
}

func (s *Scheduler) countStrategy(strategy string) {
	s.mu.Lock()
	s.scheduled[strategy]++
	s.mu.Unlock()
}

func (s *Scheduler) minAccessCount() int {
	if s.cfg.MinAccessCount > 0 {
		return s.cfg.MinAccessCount
	}
	return 3
}

func (s *Scheduler) estimatedDuration(fingerprint string) time.Duration {
	if record, ok := s.tracker.Get(fingerprint); ok {
		return secondsToDuration(record.AvgResponseTime)
	}
	return 0
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

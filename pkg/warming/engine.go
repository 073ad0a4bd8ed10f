package warming

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
)

// cleanupInterval is how often stale analytics are pruned
const cleanupInterval = 1 * time.Hour

// CacheStore is the cache surface the warming engine needs: presence
// checks for the scheduler and writes for the executor. DistributedCache
// satisfies it.
type CacheStore interface {
	Exists(ctx context.Context, key string) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
}

// Recommendation describes a query worth warming, for operators tuning
// the warming configuration.
type Recommendation struct {
	Query           string  `json:"query"`
	Fingerprint     string  `json:"fingerprint"`
	Score           float64 `json:"score"`
	AccessCount     int64   `json:"access_count"`
	AvgResponseTime float64 `json:"avg_response_time"`
	DistinctUsers   int     `json:"distinct_users"`
	Reason          string  `json:"reason"`
}

// Engine wires the analytics tracker, scheduler and executor together
// and owns their background loops: pattern analysis, warming dispatch,
// and periodic cleanup of stale analytics. None of the loops block the
// application's request path.
type Engine struct {
	cfg       config.WarmingConfig
	tracker   *Tracker
	scheduler *Scheduler
	executor  *Executor
	queue     *taskQueue
	active    *activeSet
	logger    observability.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a warming engine writing into the given cache store
// and executing queries through the given executor.
func NewEngine(
	cfg config.WarmingConfig,
	store CacheStore,
	executor QueryExecutor,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Engine {
	if logger == nil {
		logger = observability.NewLogger("warming.engine")
	}

	tracker := NewTracker(cfg.LearningWindowDays, logger.WithPrefix("warming.analytics"))
	queue := newTaskQueue(cfg.MaxTasks)
	active := newActiveSet()

	return &Engine{
		cfg:       cfg,
		tracker:   tracker,
		scheduler: NewScheduler(cfg, tracker, store, queue, active, logger.WithPrefix("warming.scheduler")),
		executor:  NewExecutor(cfg, queue, active, store, executor, logger.WithPrefix("warming.executor"), metrics),
		queue:     queue,
		active:    active,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the analysis, dispatch and cleanup loops. The loops
// stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		e.logger.Info("Cache warming disabled by configuration", nil)
		return
	}

	e.logger.Info("Starting warming engine", map[string]interface{}{
		"interval":       e.schedulerInterval().String(),
		"max_concurrent": cap(e.executor.sem),
		"max_tasks":      e.queue.max,
	})

	e.loop(ctx, e.schedulerInterval(), func() { e.scheduler.RunOnce(ctx) })
	e.loop(ctx, e.executorInterval(), func() { e.executor.RunOnce(ctx) })
	e.loop(ctx, cleanupInterval, func() { e.tracker.Prune() })
}

// Stop terminates the background loops and waits for them to exit
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// RecordAccess feeds one observed query access into the analytics
// tracker and returns the query fingerprint.
func (e *Engine) RecordAccess(query string, filters map[string]interface{}, userID string, responseTime time.Duration, success bool, payloadSize int64) string {
	return e.tracker.RecordAccess(query, filters, userID, responseTime, success, payloadSize)
}

// ForceWarm schedules an immediate warming task for the given query,
// bypassing the analytics thresholds. It returns the task, or nil when
// one is already pending or in flight for the same fingerprint.
func (e *Engine) ForceWarm(query string, filters map[string]interface{}, priority Priority) *Task {
	return e.scheduler.Force(query, filters, priority)
}

// Tracker exposes the analytics tracker
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Stats returns combined warming statistics
func (e *Engine) Stats() map[string]interface{} {
	stats := e.executor.Stats()
	stats["tracked_queries"] = e.tracker.Len()
	stats["strategies"] = e.scheduler.Stats()
	stats["enabled"] = e.cfg.Enabled
	return stats
}

// Recommendations returns the top tracked queries by cache value score
func (e *Engine) Recommendations(limit int) []Recommendation {
	if limit <= 0 {
		limit = 10
	}

	analytics := e.tracker.Snapshot()
	sort.Slice(analytics, func(i, j int) bool {
		return analytics[i].CacheValueScore > analytics[j].CacheValueScore
	})

	if len(analytics) > limit {
		analytics = analytics[:limit]
	}

	result := make([]Recommendation, 0, len(analytics))
	for _, record := range analytics {
		result = append(result, Recommendation{
			Query:           record.Query,
			Fingerprint:     record.Fingerprint,
			Score:           record.CacheValueScore,
			AccessCount:     record.AccessCount,
			AvgResponseTime: record.AvgResponseTime,
			DistinctUsers:   record.DistinctUsers,
			Reason:          recommendationReason(record),
		})
	}
	return result
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tick()
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) schedulerInterval() time.Duration {
	if e.cfg.Interval > 0 {
		return e.cfg.Interval
	}
	return 300 * time.Second
}

func (e *Engine) executorInterval() time.Duration {
	if e.cfg.ExecutorInterval > 0 {
		return e.cfg.ExecutorInterval
	}
	return 30 * time.Second
}

func recommendationReason(record QueryAnalytics) string {
	switch {
	case record.CacheValueScore > frequencyScoreThreshold && record.AvgResponseTime >= 1:
		return fmt.Sprintf("high-value query: %.1f accesses, %.2fs average response", float64(record.AccessCount), record.AvgResponseTime)
	case record.CacheValueScore > frequencyScoreThreshold:
		return fmt.Sprintf("frequently accessed by %d users", record.DistinctUsers)
	case record.AvgResponseTime >= 1:
		return fmt.Sprintf("slow query (%.2fs) with moderate traffic", record.AvgResponseTime)
	default:
		return "moderate cache value"
	}
}

package warming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querymesh/querycache/pkg/common/config"
	"github.com/querymesh/querycache/pkg/observability"
)

// warmingQueryLimit caps the number of records requested per warming query
const warmingQueryLimit = 100

// maxHistoryRecords bounds the warming outcome history
const maxHistoryRecords = 100

// QueryResult is the payload returned by the query executor collaborator
type QueryResult struct {
	Records       []interface{} `json:"records"`
	TotalRecords  int           `json:"total_records"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// QueryExecutor executes the underlying expensive lookup for a query
// fingerprint. The warming engine only calls it; implementations live in
// the application layer. The context carries the warming query timeout.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, filters map[string]interface{}, limit int) (*QueryResult, error)
}

// ResultCache receives warmed query results. DistributedCache satisfies it.
type ResultCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool
}

// HistoryRecord is one warming outcome kept in the bounded history ring
type HistoryRecord struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	Query       string        `json:"query"`
	Strategy    string        `json:"strategy"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Records     int           `json:"records"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	TimeSaved   time.Duration `json:"time_saved"`
	At          time.Time     `json:"at"`
}

// Executor pulls due tasks from the pending queue on a fixed interval
// and dispatches them through a bounded concurrency gate. The active set
// guarantees single-flight per fingerprint, and a hard per-query timeout
// keeps a stuck executor call from starving the concurrency budget.
type Executor struct {
	cfg      config.WarmingConfig
	queue    *taskQueue
	active   *activeSet
	cache    ResultCache
	executor QueryExecutor
	logger   observability.Logger
	metrics  observability.MetricsClient

	sem chan struct{}
	wg  sync.WaitGroup

	mu          sync.Mutex
	history     []HistoryRecord
	totalWarmed int64
	totalFailed int64
	bytesWarmed int64
	timeSaved   time.Duration

	now func() time.Time
}

// NewExecutor creates a warming executor over the shared queue and
// active set.
func NewExecutor(
	cfg config.WarmingConfig,
	queue *taskQueue,
	active *activeSet,
	cache ResultCache,
	executor QueryExecutor,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Executor {
	if logger == nil {
		logger = observability.NewLogger("warming.executor")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 5
	}

	return &Executor{
		cfg:      cfg,
		queue:    queue,
		active:   active,
		cache:    cache,
		executor: executor,
		logger:   logger,
		metrics:  metrics,
		sem:      make(chan struct{}, concurrency),
		history:  make([]HistoryRecord, 0, maxHistoryRecords),
		now:      time.Now,
	}
}

// RunOnce dispatches every due task, highest priority first. Dispatches
// beyond the concurrency budget wait on the gate; the call returns once
// all dispatched tasks have completed.
func (e *Executor) RunOnce(ctx context.Context) {
	due := e.queue.due(e.now())
	if len(due) == 0 {
		return
	}

	for _, task := range due {
		if e.active.contains(task.Fingerprint) {
			continue
		}

		e.wg.Add(1)
		go func(task Task) {
			defer e.wg.Done()

			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				return
			}

			// Single-flight per fingerprint: the set only holds tasks
			// that are actually executing.
			if !e.active.tryAdd(task.Fingerprint) {
				return
			}
			defer e.active.remove(task.Fingerprint)

			e.warm(ctx, task)
		}(task)
	}

	e.wg.Wait()
}

// ActiveCount returns the number of in-flight warming executions
func (e *Executor) ActiveCount() int {
	return e.active.len()
}

// Stats returns executor counters and recent history aggregates
func (e *Executor) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.totalWarmed + e.totalFailed
	successRate := float64(0)
	if total > 0 {
		successRate = float64(e.totalWarmed) / float64(total)
	}

	return map[string]interface{}{
		"total_warmed":    e.totalWarmed,
		"total_failed":    e.totalFailed,
		"bytes_warmed":    e.bytesWarmed,
		"time_saved_s":    e.timeSaved.Seconds(),
		"success_rate":    successRate,
		"active":          e.active.len(),
		"pending":         e.queue.len(),
		"history_records": len(e.history),
	}
}

// History returns a copy of the bounded warming outcome history, most
// recent last.
func (e *Executor) History() []HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]HistoryRecord, len(e.history))
	copy(result, e.history)
	return result
}

// warm executes one warming task. On success the result is written into
// the cache and the task removed; on failure the task stays pending for
// re-evaluation unless its attempt budget is exhausted.
func (e *Executor) warm(ctx context.Context, task Task) {
	attempts := e.queue.markAttempt(task.Fingerprint)
	if attempts == 0 {
		// Task disappeared between selection and dispatch
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout())
	defer cancel()

	start := e.now()
	result, err := e.executor.Execute(queryCtx, task.Query, task.Filters, warmingQueryLimit)
	elapsed := e.now().Sub(start)

	record := HistoryRecord{
		ID:          uuid.New().String(),
		Fingerprint: task.Fingerprint,
		Query:       task.Query,
		Strategy:    task.Strategy,
		Duration:    elapsed,
		At:          e.now(),
	}

	switch {
	case err != nil:
		record.Error = err.Error()
	case result == nil || result.TotalRecords == 0:
		record.Error = "no records returned"
	default:
		key := "query:" + task.Fingerprint
		if e.cache.Set(ctx, key, result.Records, 0) {
			record.Success = true
			record.Records = result.TotalRecords
			record.Bytes = payloadBytes(result.Records)
			if task.EstimatedDuration > elapsed {
				record.TimeSaved = task.EstimatedDuration - elapsed
			}
		} else {
			record.Error = "cache write failed"
		}
	}

	if record.Success {
		e.queue.remove(task.Fingerprint)
		e.recordSuccess(record)
		e.logger.Debug("Warmed query", map[string]interface{}{
			"fingerprint": task.Fingerprint,
			"records":     record.Records,
			"strategy":    task.Strategy,
		})
	} else {
		exhausted := attempts >= task.MaxAttempts
		if exhausted {
			e.queue.remove(task.Fingerprint)
		}
		e.recordFailure(record)
		e.logger.Warn("Warming task failed", map[string]interface{}{
			"fingerprint": task.Fingerprint,
			"attempts":    attempts,
			"exhausted":   exhausted,
			"error":       record.Error,
		})
	}
}

func (e *Executor) recordSuccess(record HistoryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalWarmed++
	e.bytesWarmed += record.Bytes
	e.timeSaved += record.TimeSaved
	e.appendHistoryLocked(record)

	e.metrics.IncrementCounterWithLabels("warming.success", 1, map[string]string{"strategy": record.Strategy})
}

func (e *Executor) recordFailure(record HistoryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalFailed++
	e.appendHistoryLocked(record)

	e.metrics.IncrementCounterWithLabels("warming.failure", 1, map[string]string{"strategy": record.Strategy})
}

func (e *Executor) appendHistoryLocked(record HistoryRecord) {
	e.history = append(e.history, record)
	if len(e.history) > maxHistoryRecords {
		e.history = e.history[len(e.history)-maxHistoryRecords:]
	}
}

func (e *Executor) queryTimeout() time.Duration {
	if e.cfg.QueryTimeout > 0 {
		return e.cfg.QueryTimeout
	}
	return 30 * time.Second
}

// payloadBytes approximates the serialized size of warmed records
func payloadBytes(records []interface{}) int64 {
	data, err := json.Marshal(records)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

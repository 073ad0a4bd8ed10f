package warming

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders warming tasks. Higher values are dispatched first and
// survive queue trimming longest.
type Priority int

// Task priorities
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// maxTaskAttempts is the retry budget for a warming task
const maxTaskAttempts = 3

// Task is one scheduled cache-warming unit of work, identified by its
// query fingerprint. Tasks are created by the scheduler and consumed by
// the executor; at most one task per fingerprint is pending at a time.
type Task struct {
	ID                string                 `json:"id"`
	Fingerprint       string                 `json:"fingerprint"`
	Query             string                 `json:"query"`
	Filters           map[string]interface{} `json:"filters"`
	Priority          Priority               `json:"priority"`
	ScheduledAt       time.Time              `json:"scheduled_at"`
	Attempts          int                    `json:"attempts"`
	MaxAttempts       int                    `json:"max_attempts"`
	EstimatedDuration time.Duration          `json:"estimated_duration"`
	Strategy          string                 `json:"strategy"`
	CreatedAt         time.Time              `json:"created_at"`
}

// newTask builds a task with a fresh ID and the default attempt budget
func newTask(fingerprint, query string, filters map[string]interface{}, priority Priority, scheduledAt time.Time, estimated time.Duration, strategy string) *Task {
	return &Task{
		ID:                uuid.New().String(),
		Fingerprint:       fingerprint,
		Query:             query,
		Filters:           copyFilters(filters),
		Priority:          priority,
		ScheduledAt:       scheduledAt,
		MaxAttempts:       maxTaskAttempts,
		EstimatedDuration: estimated,
		Strategy:          strategy,
		CreatedAt:         time.Now(),
	}
}

// taskQueue is the pending-task store, keyed by fingerprint and bounded
// by a maximum outstanding count. When the cap is exceeded the lowest
// priority tasks are evicted first (oldest first within a priority).
type taskQueue struct {
	mu    sync.Mutex
	tasks map[string]*Task
	max   int
}

func newTaskQueue(max int) *taskQueue {
	if max <= 0 {
		max = 100
	}
	return &taskQueue{
		tasks: make(map[string]*Task),
		max:   max,
	}
}

// add inserts a task unless its fingerprint is already pending. It
// returns false when the task was rejected (duplicate, or trimmed away
// immediately as the lowest priority at the cap).
func (q *taskQueue) add(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.Fingerprint]; exists {
		return false
	}

	q.tasks[task.Fingerprint] = task
	q.trimLocked()

	_, kept := q.tasks[task.Fingerprint]
	return kept
}

// has reports whether a fingerprint is already pending
func (q *taskQueue) has(fingerprint string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[fingerprint]
	return ok
}

// remove deletes the pending task for a fingerprint
func (q *taskQueue) remove(fingerprint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, fingerprint)
}

// markAttempt increments the attempt counter for a pending task and
// returns the updated count.
func (q *taskQueue) markAttempt(fingerprint string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[fingerprint]
	if !ok {
		return 0
	}
	task.Attempts++
	return task.Attempts
}

// due returns copies of tasks whose scheduled time has passed, sorted by
// priority descending, then earliest scheduled first.
func (q *taskQueue) due(now time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		if !task.ScheduledAt.After(now) {
			result = append(result, *task)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].ScheduledAt.Before(result[j].ScheduledAt)
	})

	return result
}

// len returns the number of pending tasks
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// snapshot returns copies of all pending tasks
func (q *taskQueue) snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		result = append(result, *task)
	}
	return result
}

// trimLocked evicts tasks past the cap, lowest priority first, oldest
// first within a priority. Callers must hold q.mu.
func (q *taskQueue) trimLocked() {
	if len(q.tasks) <= q.max {
		return
	}

	ordered := make([]*Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		ordered = append(ordered, task)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for _, task := range ordered {
		if len(q.tasks) <= q.max {
			break
		}
		delete(q.tasks, task.Fingerprint)
	}
}

// activeSet tracks fingerprints with a warming execution in flight.
// It is the single-flight mechanism: a fingerprint in the set is never
// dispatched a second time concurrently.
type activeSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newActiveSet() *activeSet {
	return &activeSet{set: make(map[string]struct{})}
}

// tryAdd marks a fingerprint active, returning false if it already was
func (a *activeSet) tryAdd(fingerprint string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.set[fingerprint]; ok {
		return false
	}
	a.set[fingerprint] = struct{}{}
	return true
}

func (a *activeSet) remove(fingerprint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.set, fingerprint)
}

func (a *activeSet) contains(fingerprint string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.set[fingerprint]
	return ok
}

func (a *activeSet) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.set)
}

// Package scheduler queues script runs by time and priority and dispatches
// them to devices under a concurrency ceiling.
package scheduler

import (
	"time"

	"github.com/eliteGoblin/devorch/internal/script"
)

// Task is a queued request to run a script at or after ScheduledTime.
type Task struct {
	ScriptID            string
	ScheduledTime       time.Time
	Priority            script.Priority
	EstimatedDurationMs uint64
	CreatedAt           time.Time
	RetryCount          uint32
	MaxRetries          uint32

	seq uint64 // Enqueue order, breaks CreatedAt ties
}

// NewTask creates a task with no retries used.
func NewTask(scriptID string, at time.Time, priority script.Priority, estimatedMs uint64, maxRetries uint32) Task {
	return Task{
		ScriptID:            scriptID,
		ScheduledTime:       at,
		Priority:            priority,
		EstimatedDurationMs: estimatedMs,
		CreatedAt:           time.Now(),
		MaxRetries:          maxRetries,
	}
}

// Due reports whether the task may run at now.
func (t Task) Due(now time.Time) bool {
	return !now.Before(t.ScheduledTime)
}

// CanRetry reports whether retry budget remains.
func (t Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// before orders tasks: earlier schedule, then higher priority, then older.
func (t Task) before(o Task) bool {
	if !t.ScheduledTime.Equal(o.ScheduledTime) {
		return t.ScheduledTime.Before(o.ScheduledTime)
	}
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.seq < o.seq
}

type taskHeap []Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

package scheduler

import (
	"container/heap"
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/metrics"
)

var (
	ErrQueueFull      = errors.New("task queue is at its concurrency limit")
	ErrAlreadyRunning = errors.New("script already has a running task")
)

// QueueStatus gates Next.
type QueueStatus string

const (
	QueueRunning QueueStatus = "running"
	QueuePaused  QueueStatus = "paused"
	QueueStopped QueueStatus = "stopped"
)

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pending            int
	Running            int
	CompletedToday     uint64
	FailedToday        uint64
	AverageExecutionMs uint64
	LoadPercent        int
}

// RunningTask is a dispatched task and when it started.
type RunningTask struct {
	Task
	StartedAt time.Time
}

// TaskQueue is a time and priority ordered heap of fresh tasks, a FIFO of
// failed tasks awaiting retry, and the set of running tasks. A script id is
// never both pending in the heap and running.
type TaskQueue struct {
	mu            sync.Mutex
	heap          taskHeap
	retries       *list.List // of Task
	running       map[string]RunningTask
	held          map[string]time.Time
	status        QueueStatus
	maxConcurrent int
	retryDelay    time.Duration
	seq           uint64

	completedToday uint64
	failedToday    uint64
	totalDone      uint64
	avgMs          uint64
	day            int // yyyymmdd of the daily counters

	now    func() time.Time
	logger *zap.Logger
}

// NewTaskQueue creates a stopped queue.
func NewTaskQueue(maxConcurrent int, logger *zap.Logger) *TaskQueue {
	return &TaskQueue{
		retries:       list.New(),
		running:       make(map[string]RunningTask),
		held:          make(map[string]time.Time),
		status:        QueueStopped,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		logger:        logger,
	}
}

// SetRetryDelay pushes failed tasks this far into the future before retrying.
func (q *TaskQueue) SetRetryDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryDelay = d
}

// HoldRetry withholds scriptID's retries until ReleaseRetry or until.
func (q *TaskQueue) HoldRetry(scriptID string, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held[scriptID] = until
}

// ReleaseRetry lifts a HoldRetry.
func (q *TaskQueue) ReleaseRetry(scriptID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.held, scriptID)
}

// Enqueue adds a fresh task.
func (q *TaskQueue) Enqueue(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	t.seq = q.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}
	heap.Push(&q.heap, t)
	q.logger.Info("task enqueued",
		zap.String("script_id", t.ScriptID),
		zap.Time("scheduled_time", t.ScheduledTime),
		zap.String("priority", t.Priority.String()))
	q.updateGaugesLocked()
}

// Next returns the task to dispatch at now, if any. Retries due at now are
// served first. Only one retry candidate is examined per call: a retry that
// is not yet due, or is held, goes to the back of the FIFO and the heap is
// consulted.
// Heap tasks whose script is already running are dropped.
func (q *TaskQueue) Next(now time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != QueueRunning || len(q.running) >= q.maxConcurrent {
		return Task{}, false
	}

	for e := q.retries.Front(); e != nil; e = q.retries.Front() {
		t := q.retries.Remove(e).(Task)
		if until, ok := q.held[t.ScriptID]; ok {
			if now.Before(until) {
				q.retries.PushBack(t)
				break
			}
			delete(q.held, t.ScriptID)
		}
		if t.Due(now) && t.CanRetry() {
			t.RetryCount++
			q.logger.Info("retrying task",
				zap.String("script_id", t.ScriptID),
				zap.Uint32("retry_count", t.RetryCount))
			q.updateGaugesLocked()
			return t, true
		}
		if t.CanRetry() {
			q.retries.PushBack(t)
			break
		}
	}

	for q.heap.Len() > 0 {
		if !q.heap[0].Due(now) {
			break
		}
		t := heap.Pop(&q.heap).(Task)
		if _, running := q.running[t.ScriptID]; running {
			q.logger.Warn("script already running, skipping task", zap.String("script_id", t.ScriptID))
			continue
		}
		q.updateGaugesLocked()
		return t, true
	}

	q.updateGaugesLocked()
	return Task{}, false
}

// MarkRunning records that t was dispatched.
func (q *TaskQueue) MarkRunning(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.running[t.ScriptID]; exists {
		return ErrAlreadyRunning
	}
	if len(q.running) >= q.maxConcurrent {
		return ErrQueueFull
	}
	q.running[t.ScriptID] = RunningTask{Task: t, StartedAt: q.now()}
	q.updateGaugesLocked()
	return nil
}

// MarkCompleted finishes scriptID's running task. A failed task with retry
// budget left moves to the retry FIFO. It reports whether a task was running.
func (q *TaskQueue) MarkCompleted(scriptID string, success bool, elapsed time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	rt, ok := q.running[scriptID]
	if !ok {
		return false
	}
	delete(q.running, scriptID)
	q.rollDayLocked()

	ms := uint64(elapsed.Milliseconds())
	q.totalDone++
	q.avgMs = (q.avgMs*(q.totalDone-1) + ms) / q.totalDone

	if success {
		q.completedToday++
		q.logger.Info("task succeeded", zap.String("script_id", scriptID), zap.Duration("elapsed", elapsed))
	} else {
		q.failedToday++
		t := rt.Task
		if t.CanRetry() {
			t.ScheduledTime = q.now().Add(q.retryDelay)
			q.retries.PushBack(t)
		}
		q.logger.Warn("task failed",
			zap.String("script_id", scriptID),
			zap.Bool("will_retry", t.CanRetry()))
	}
	q.updateGaugesLocked()
	return true
}

// CancelScript removes every pending, retry and running entry of scriptID
// and returns how many were removed.
func (q *TaskQueue) CancelScript(scriptID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.heap[:0]
	for _, t := range q.heap {
		if t.ScriptID == scriptID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.heap = kept
	heap.Init(&q.heap)

	for e := q.retries.Front(); e != nil; {
		next := e.Next()
		if e.Value.(Task).ScriptID == scriptID {
			q.retries.Remove(e)
			removed++
		}
		e = next
	}

	if _, ok := q.running[scriptID]; ok {
		delete(q.running, scriptID)
		removed++
	}
	delete(q.held, scriptID)

	q.logger.Info("script tasks cancelled", zap.String("script_id", scriptID), zap.Int("removed", removed))
	q.updateGaugesLocked()
	return removed
}

// Clear drops every task.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.retries.Init()
	q.running = make(map[string]RunningTask)
	q.held = make(map[string]time.Time)
	q.updateGaugesLocked()
}

func (q *TaskQueue) setStatus(s QueueStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = s
	q.logger.Info("task queue status changed", zap.String("status", string(s)))
}

// Start lets Next hand out tasks.
func (q *TaskQueue) Start() { q.setStatus(QueueRunning) }

// Pause stops Next from handing out tasks; running tasks are unaffected.
func (q *TaskQueue) Pause() { q.setStatus(QueuePaused) }

// Stop is Pause for a scheduler shutdown.
func (q *TaskQueue) Stop() { q.setStatus(QueueStopped) }

// Status returns the queue status.
func (q *TaskQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// IsRunning reports whether scriptID has a running task.
func (q *TaskQueue) IsRunning(scriptID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[scriptID]
	return ok
}

// PendingCount returns how many heap and retry entries scriptID has.
func (q *TaskQueue) PendingCount(scriptID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.heap {
		if t.ScriptID == scriptID {
			n++
		}
	}
	for e := q.retries.Front(); e != nil; e = e.Next() {
		if e.Value.(Task).ScriptID == scriptID {
			n++
		}
	}
	return n
}

// Running returns the running tasks ordered by start time.
func (q *TaskQueue) Running() []RunningTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RunningTask, 0, len(q.running))
	for _, rt := range q.running {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns a snapshot of the counters.
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollDayLocked()

	st := QueueStats{
		Pending:            q.heap.Len() + q.retries.Len(),
		Running:            len(q.running),
		CompletedToday:     q.completedToday,
		FailedToday:        q.failedToday,
		AverageExecutionMs: q.avgMs,
	}
	if q.maxConcurrent > 0 {
		st.LoadPercent = len(q.running) * 100 / q.maxConcurrent
	}
	return st
}

// rollDayLocked resets the daily counters when the calendar day changes.
func (q *TaskQueue) rollDayLocked() {
	y, m, d := q.now().Date()
	today := y*10000 + int(m)*100 + d
	if q.day != today {
		q.day = today
		q.completedToday = 0
		q.failedToday = 0
	}
}

func (q *TaskQueue) updateGaugesLocked() {
	metrics.QueuePending.Set(float64(q.heap.Len() + q.retries.Len()))
	metrics.QueueRunning.Set(float64(len(q.running)))
}

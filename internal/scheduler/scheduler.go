package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/metrics"
	"github.com/eliteGoblin/devorch/internal/script"
)

// Re-exported so callers of the scheduler need not import script.
var (
	ErrScriptExists   = script.ErrScriptExists
	ErrScriptNotFound = script.ErrScriptNotFound
)

const tracerName = "github.com/eliteGoblin/devorch/internal/scheduler"

// timeoutReportGrace bounds how long the device's own report of a timed out
// run is awaited before the script may be retried.
const timeoutReportGrace = 30 * time.Second

// Dispatcher runs scripts somewhere, usually on a device.
type Dispatcher interface {
	// DispatchScript asks for scriptID to start. Confirmation and the final
	// result arrive later through Scheduler.CompleteScript.
	DispatchScript(ctx context.Context, scriptID string) error

	// StopScript asks a running script to stop.
	StopScript(ctx context.Context, scriptID string) error
}

// Completion is the terminal report of one script run.
type Completion struct {
	ScriptID string
	DeviceID string
	Success  bool
	Elapsed  time.Duration
	Error    string
	Result   script.Result // Derived from Success when empty
}

// Scheduler owns the script registry and the task queue and feeds due tasks
// to a Dispatcher.
type Scheduler struct {
	state   *State
	queue   *TaskQueue
	scripts *script.Registry
	history domain.HistoryStore
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	dispatcher Dispatcher
	lastRun    map[string]time.Time
	timedOut   map[string]time.Time // script id -> end of the report grace
	stopCh     chan struct{}
}

// New validates cfg and creates a stopped scheduler.
func New(cfg Config, scripts *script.Registry, logger *zap.Logger) (*Scheduler, error) {
	state := NewState(cfg)
	if err := state.Initialize(); err != nil {
		return nil, err
	}
	if scripts == nil {
		scripts = script.NewRegistry()
	}

	queue := NewTaskQueue(cfg.MaxConcurrentTasks, logger)
	queue.SetRetryDelay(cfg.RetryDelay)

	return &Scheduler{
		state:    state,
		queue:    queue,
		scripts:  scripts,
		logger:   logger,
		now:      time.Now,
		lastRun:  make(map[string]time.Time),
		timedOut: make(map[string]time.Time),
	}, nil
}

// SetDispatcher wires the component that runs scripts.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SetHistory enables persisting completions.
func (s *Scheduler) SetHistory(h domain.HistoryStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

func (s *Scheduler) deps() (Dispatcher, domain.HistoryStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher, s.history
}

// Queue exposes the task queue.
func (s *Scheduler) Queue() *TaskQueue { return s.queue }

// Scripts exposes the script registry.
func (s *Scheduler) Scripts() *script.Registry { return s.scripts }

// Status returns the scheduler status.
func (s *Scheduler) Status() Status {
	st, _ := s.state.Status()
	return st
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats { return s.state.Stats(s.now()) }

// Start lets the loop dispatch tasks.
func (s *Scheduler) Start() error {
	changed, err := s.state.Start(s.now())
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Warn("scheduler already running")
		return nil
	}
	s.queue.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Pause stops dispatching; running scripts continue.
func (s *Scheduler) Pause() error {
	if err := s.state.Pause(); err != nil {
		return err
	}
	s.queue.Pause()
	s.logger.Info("scheduler paused")
	return nil
}

// Resume continues after Pause.
func (s *Scheduler) Resume() error {
	if st := s.Status(); st != StatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidStatus, st)
	}
	return s.Start()
}

// Stop halts dispatching and makes Run return.
func (s *Scheduler) Stop() {
	s.state.Stop(s.now())
	s.queue.Stop()

	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RegisterScript adds a script.
func (s *Scheduler) RegisterScript(info *script.Info) error {
	if err := s.scripts.Register(info); err != nil {
		return err
	}
	s.logger.Info("script registered", zap.String("script_id", info.ID))
	return nil
}

// UnregisterScript cancels the script's tasks, stops it if running and
// removes it.
func (s *Scheduler) UnregisterScript(ctx context.Context, scriptID string) error {
	if _, ok := s.scripts.Get(scriptID); !ok {
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotFound)
	}
	if err := s.StopScript(ctx, scriptID); err != nil {
		s.logger.Warn("failed to stop script before unregister", zap.String("script_id", scriptID), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.lastRun, scriptID)
	s.mu.Unlock()

	if err := s.scripts.Unregister(scriptID); err != nil {
		return err
	}
	s.logger.Info("script unregistered", zap.String("script_id", scriptID))
	return nil
}

// StartScript queues a run of scriptID now.
func (s *Scheduler) StartScript(scriptID string) error {
	info, ok := s.scripts.Get(scriptID)
	if !ok {
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotFound)
	}
	if err := info.CanExecute(); err != nil {
		return err
	}
	now := s.now()
	if info.Schedule.Enabled {
		if !info.Schedule.InWindow(now) {
			return fmt.Errorf("%s is outside its schedule window", scriptID)
		}
		if info.Schedule.ReachedMax() {
			return fmt.Errorf("%s reached its execution limit", scriptID)
		}
	}
	s.enqueue(info, now)
	return nil
}

func (s *Scheduler) enqueue(info *script.Info, at time.Time) {
	retries := info.Config.RetryCount
	cfg := s.state.Config()
	if !cfg.EnableAutoRetry {
		retries = 0
	}
	est := info.Config.Resources.EstimatedDurationSeconds * 1000
	s.queue.Enqueue(NewTask(info.ID, at, info.Priority, est, retries))
	s.state.RecordScheduled()
	_ = s.scripts.Update(info.ID, func(i *script.Info) { i.SetStatus(script.StatusScheduled, "") })
}

// StopScript cancels every task of scriptID and asks the dispatcher to stop
// it when running.
func (s *Scheduler) StopScript(ctx context.Context, scriptID string) error {
	info, ok := s.scripts.Get(scriptID)
	if !ok {
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotFound)
	}
	wasRunning := s.queue.IsRunning(scriptID) || info.Status.Busy()
	s.queue.CancelScript(scriptID)

	var err error
	if d, _ := s.deps(); wasRunning && d != nil {
		err = d.StopScript(ctx, scriptID)
	}
	_ = s.scripts.Update(scriptID, func(i *script.Info) { i.SetStatus(script.StatusStopped, "") })
	return err
}

// ScriptStatus returns scriptID's status.
func (s *Scheduler) ScriptStatus(scriptID string) (script.Status, bool) {
	info, ok := s.scripts.Get(scriptID)
	if !ok {
		return "", false
	}
	return info.Status, true
}

// SetScriptStatus records a status reported by the device running scriptID.
// Reports about a run already failed by timeout are ignored.
func (s *Scheduler) SetScriptStatus(scriptID string, st script.Status, msg string) error {
	s.mu.Lock()
	_, late := s.timedOut[scriptID]
	s.mu.Unlock()
	if late {
		return nil
	}
	return s.scripts.Update(scriptID, func(i *script.Info) { i.SetStatus(st, msg) })
}

// CompleteScript records the terminal report of a run, frees its queue slot
// and, on failure, lets the retry policy requeue it. Cancellations are not
// counted as successes or failures. The device's report of a run that
// already timed out is dropped and releases the held retry.
func (s *Scheduler) CompleteScript(c Completion) {
	now := s.now()
	result := c.Result
	if result == "" {
		result = script.ResultSuccess
		if !c.Success {
			result = script.ResultFailed
		}
	}

	wasQueued := s.queue.MarkCompleted(c.ScriptID, c.Success, c.Elapsed)
	if !wasQueued && s.forgetTimedOut(c.ScriptID) {
		s.logger.Debug("dropping report of timed out run",
			zap.String("script_id", c.ScriptID),
			zap.String("device_id", c.DeviceID),
			zap.String("result", string(result)))
		return
	}
	if result != script.ResultCancelled {
		s.state.RecordCompletion(c.Success, c.Elapsed)
	}
	s.state.Touch(now)

	_ = s.scripts.Update(c.ScriptID, func(i *script.Info) {
		i.RecordExecution(result, c.Elapsed, c.Error)
		if c.Success || result == script.ResultCancelled {
			i.SetStatus(script.StatusStopped, "")
		} else {
			i.SetStatus(script.StatusError, c.Error)
		}
	})

	s.mu.Lock()
	s.lastRun[c.ScriptID] = now
	s.mu.Unlock()

	outcome := "success"
	switch {
	case result == script.ResultCancelled:
		outcome = "cancelled"
	case !c.Success:
		outcome = "failure"
	}
	metrics.TasksCompletedTotal.WithLabelValues(outcome).Inc()
	metrics.TaskDuration.Observe(c.Elapsed.Seconds())

	s.logger.Info("script completed",
		zap.String("script_id", c.ScriptID),
		zap.String("device_id", c.DeviceID),
		zap.Bool("success", c.Success),
		zap.Duration("elapsed", c.Elapsed),
		zap.Bool("queued", wasQueued))

	if _, history := s.deps(); history != nil {
		rec := domain.ExecutionRecord{
			ScriptID:   c.ScriptID,
			DeviceID:   c.DeviceID,
			Success:    c.Success,
			DurationMs: c.Elapsed.Milliseconds(),
			Error:      c.Error,
			FinishedAt: now,
		}
		if err := history.RecordExecution(rec); err != nil {
			s.logger.Warn("failed to record execution", zap.String("script_id", c.ScriptID), zap.Error(err))
		}
	}
}

// Run ticks every CheckInterval until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return errors.New("scheduler loop already running")
	}
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	cfg := s.state.Config()
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler loop started", zap.Duration("interval", cfg.CheckInterval))
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.stopCh == stop {
				s.stopCh = nil
			}
			s.mu.Unlock()
			s.logger.Info("scheduler loop exited")
			return ctx.Err()
		case <-stop:
			s.logger.Info("scheduler loop exited")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling round: enqueue due scheduled scripts, fail tasks
// over their timeout, then dispatch at most one task.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.Status() != StatusRunning {
		return
	}
	now := s.now()
	s.expireTimedOut(now)
	s.enqueueDue(now)
	s.enforceTimeouts(ctx, now)

	task, ok := s.queue.Next(now)
	if !ok {
		return
	}
	if err := s.dispatch(ctx, task); err != nil {
		s.logger.Error("task dispatch failed", zap.String("script_id", task.ScriptID), zap.Error(err))
	}
}

func (s *Scheduler) enqueueDue(now time.Time) {
	idle := s.state.IsIdle(now)
	for _, info := range s.scripts.GetAll() {
		if !info.Schedule.Enabled || info.CanExecute() != nil {
			continue
		}
		if info.Status == script.StatusScheduled {
			continue
		}
		if info.Schedule.RunOnIdle && !idle {
			continue
		}
		if s.queue.IsRunning(info.ID) || s.queue.PendingCount(info.ID) > 0 {
			continue
		}
		s.mu.Lock()
		last := s.lastRun[info.ID]
		s.mu.Unlock()
		if info.Schedule.Due(now, last) {
			s.enqueue(info, now)
		}
	}
}

func (s *Scheduler) enforceTimeouts(ctx context.Context, now time.Time) {
	def := s.state.Config().TaskTimeout
	d, _ := s.deps()
	for _, rt := range s.queue.Running() {
		timeout := def
		if info, ok := s.scripts.Get(rt.ScriptID); ok && info.Config.TimeoutSeconds > 0 {
			timeout = info.Config.Timeout()
		}
		if timeout <= 0 || now.Sub(rt.StartedAt) < timeout {
			continue
		}
		s.logger.Warn("task timed out", zap.String("script_id", rt.ScriptID), zap.Duration("timeout", timeout))

		// The device still holds the run until it acknowledges the stop.
		if d != nil {
			until := now.Add(timeoutReportGrace)
			s.mu.Lock()
			s.timedOut[rt.ScriptID] = until
			s.mu.Unlock()
			s.queue.HoldRetry(rt.ScriptID, until)
		}
		s.CompleteScript(Completion{
			ScriptID: rt.ScriptID,
			Success:  false,
			Elapsed:  now.Sub(rt.StartedAt),
			Error:    "timed out",
			Result:   script.ResultTimeout,
		})
		if d != nil {
			if err := d.StopScript(ctx, rt.ScriptID); err != nil {
				s.logger.Warn("failed to stop timed out script", zap.String("script_id", rt.ScriptID), zap.Error(err))
				s.forgetTimedOut(rt.ScriptID)
			}
		}
	}
}

// forgetTimedOut clears scriptID's timeout mark and releases its retry. It
// reports whether the mark was set.
func (s *Scheduler) forgetTimedOut(scriptID string) bool {
	s.mu.Lock()
	_, ok := s.timedOut[scriptID]
	delete(s.timedOut, scriptID)
	s.mu.Unlock()
	if ok {
		s.queue.ReleaseRetry(scriptID)
	}
	return ok
}

func (s *Scheduler) expireTimedOut(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, until := range s.timedOut {
		if !now.Before(until) {
			delete(s.timedOut, id)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("script.id", task.ScriptID),
		attribute.Int("task.priority", int(task.Priority)),
		attribute.Int("task.retry_count", int(task.RetryCount)),
	)

	d, _ := s.deps()
	if d == nil {
		err := errors.New("no dispatcher configured")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := s.queue.MarkRunning(task); err != nil {
		metrics.TasksDispatchedTotal.WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.state.Touch(s.now())
	_ = s.scripts.Update(task.ScriptID, func(i *script.Info) { i.SetStatus(script.StatusStarting, "") })

	if err := d.DispatchScript(ctx, task.ScriptID); err != nil {
		metrics.TasksDispatchedTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.CompleteScript(Completion{ScriptID: task.ScriptID, Success: false, Error: err.Error()})
		return err
	}

	metrics.TasksDispatchedTotal.WithLabelValues("success").Inc()
	s.logger.Info("task dispatched",
		zap.String("script_id", task.ScriptID),
		zap.Uint32("retry_count", task.RetryCount))
	return nil
}

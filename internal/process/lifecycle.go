package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultStartGrace   = 5 * time.Second
	defaultKillWait     = 5 * time.Second
)

// Resources acquires what a process holds while alive (cores, memory) and
// gives it back. Release must be safe to call for an id that holds nothing.
type Resources interface {
	// Acquire fills cfg.CoreIDs and books memory for cfg.ProcessID.
	Acquire(cfg *Config) error

	// Release frees everything held by processID.
	Release(processID string)
}

// Lifecycle drives one process through the state machine.
type Lifecycle struct {
	mu        sync.RWMutex
	cfg       Config
	handle    Handle
	exited    chan struct{} // Closed when the current OS process ends
	acquired  bool
	pinned    bool // CoreIDs were fixed by the caller
	onExit    func(Handle)
	spawner   Spawner
	pm        domain.ProcessManager
	resources Resources
	logger    *zap.Logger

	pollInterval time.Duration
	startGrace   time.Duration
	killWait     time.Duration
	now          func() time.Time
}

// NewLifecycle creates a stopped lifecycle for cfg. resources may be nil.
func NewLifecycle(cfg Config, spawner Spawner, pm domain.ProcessManager, resources Resources, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		cfg: cfg.clone(),
		handle: Handle{
			ProcessID: cfg.ProcessID,
			DeviceID:  cfg.DeviceID,
			State:     StateStopped,
		},
		pinned:       len(cfg.CoreIDs) > 0,
		spawner:      spawner,
		pm:           pm,
		resources:    resources,
		logger:       logger.With(zap.String("process_id", cfg.ProcessID)),
		pollInterval: defaultPollInterval,
		startGrace:   defaultStartGrace,
		killWait:     defaultKillWait,
		now:          time.Now,
	}
}

// SetExitHandler registers a callback for processes that die on their own.
// It runs outside the lifecycle lock.
func (l *Lifecycle) SetExitHandler(fn func(Handle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExit = fn
}

// Snapshot returns a copy of the handle.
func (l *Lifecycle) Snapshot() Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle.snapshot()
}

// Config returns a copy of the process config.
func (l *Lifecycle) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.clone()
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle.State
}

func (l *Lifecycle) transitionLocked(to State) error {
	from := l.handle.State
	if !CanTransition(from, to) {
		return &LifecycleError{
			Kind:      ErrInvalidStateTransition,
			ProcessID: l.cfg.ProcessID,
			From:      from,
			To:        to,
		}
	}
	if from != to {
		l.logger.Debug("state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	l.handle.State = to
	return nil
}

// Start launches the process and waits until it proves liveness: a heartbeat
// when health checks are enabled, otherwise a grace period.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.handle.State == StateStarting {
		l.mu.Unlock()
		return nil
	}
	if err := l.cfg.Validate(); err != nil {
		l.mu.Unlock()
		return &LifecycleError{Kind: ErrInvalidConfig, ProcessID: l.cfg.ProcessID, Err: err}
	}
	if err := l.transitionLocked(StateStarting); err != nil {
		l.mu.Unlock()
		return err
	}

	cfg := l.cfg.clone()
	if l.resources != nil {
		if err := l.resources.Acquire(&cfg); err != nil {
			l.failLocked(err)
			l.mu.Unlock()
			metrics.ProcessStartsTotal.WithLabelValues("failed").Inc()
			var pe *ProcessError
			if errors.As(err, &pe) {
				return err
			}
			return &ProcessError{Kind: ErrResource, ProcessID: cfg.ProcessID, Err: err}
		}
		l.acquired = true
		l.cfg.CoreIDs = append([]int(nil), cfg.CoreIDs...)
	}
	if err := cfg.Validate(); err != nil {
		l.failLocked(err)
		l.releaseLocked()
		l.mu.Unlock()
		metrics.ProcessStartsTotal.WithLabelValues("failed").Inc()
		return &LifecycleError{Kind: ErrInvalidConfig, ProcessID: cfg.ProcessID, Err: err}
	}

	l.handle.Cores = append([]int(nil), cfg.CoreIDs...)
	l.handle.StartedAt = l.now()
	l.handle.LastHeartbeat = time.Time{}
	l.handle.ExitCode = nil
	l.handle.LastError = ""
	l.handle.Exited = false
	l.mu.Unlock()

	spawned, err := l.spawner.Spawn(ctx, cfg)
	if err != nil {
		l.mu.Lock()
		l.failLocked(err)
		l.releaseLocked()
		l.mu.Unlock()
		metrics.ProcessStartsTotal.WithLabelValues("failed").Inc()
		var pe *ProcessError
		if errors.As(err, &pe) {
			return err
		}
		return &ProcessError{Kind: ErrStartup, ProcessID: cfg.ProcessID, Err: err}
	}

	exited := make(chan struct{})
	l.mu.Lock()
	l.handle.PID = spawned.PID
	l.exited = exited
	l.mu.Unlock()

	go l.watch(spawned, exited)

	if err := l.waitReady(ctx, cfg, exited); err != nil {
		metrics.ProcessStartsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ProcessStartsTotal.WithLabelValues("success").Inc()
	return nil
}

func (l *Lifecycle) waitReady(ctx context.Context, cfg Config, exited <-chan struct{}) error {
	deadline := time.NewTimer(cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.abortStart(exited, ctx.Err())
			return ctx.Err()

		case <-exited:
			err := &ProcessError{
				Kind:      ErrStartup,
				ProcessID: cfg.ProcessID,
				Err:       errors.New("process exited during startup"),
			}
			l.mu.Lock()
			l.failLocked(err)
			l.releaseLocked()
			l.mu.Unlock()
			return err

		case <-deadline.C:
			err := &LifecycleError{Kind: ErrStartupTimeout, ProcessID: cfg.ProcessID}
			l.abortStart(exited, err)
			return err

		case <-ticker.C:
			l.mu.Lock()
			var ready bool
			if cfg.HealthCheck.Enabled {
				ready = !l.handle.LastHeartbeat.IsZero()
			} else {
				ready = l.now().Sub(l.handle.StartedAt) >= l.startGrace
			}
			if ready {
				err := l.transitionLocked(StateRunning)
				pid := l.handle.PID
				l.mu.Unlock()
				if err != nil {
					return err
				}
				l.logger.Info("process running", zap.Int("pid", pid))
				return nil
			}
			l.mu.Unlock()
		}
	}
}

// abortStart kills a process that failed to become ready and marks it Failed.
func (l *Lifecycle) abortStart(exited <-chan struct{}, cause error) {
	l.mu.RLock()
	pid := l.handle.PID
	l.mu.RUnlock()

	if pid > 0 {
		if err := l.pm.Kill(pid); err != nil {
			l.logger.Warn("failed to kill process after failed start", zap.Int("pid", pid), zap.Error(err))
		}
		select {
		case <-exited:
		case <-time.After(l.killWait):
		}
	}

	l.mu.Lock()
	l.failLocked(cause)
	l.releaseLocked()
	l.mu.Unlock()
}

// watch records the exit of the OS process.
func (l *Lifecycle) watch(spawned *Spawned, exited chan struct{}) {
	status, ok := <-spawned.Done
	code := status.Code
	if !ok {
		code = -1
	}

	l.mu.Lock()
	l.handle.PID = 0
	l.handle.ExitCode = &code
	l.handle.StoppedAt = l.now()

	unexpected := false
	switch l.handle.State {
	case StatePaused:
		_ = l.transitionLocked(StateRunning)
		fallthrough
	case StateRunning:
		unexpected = true
		l.handle.Exited = true
		switch {
		case code == 0:
			_ = l.transitionLocked(StateStopping)
			_ = l.transitionLocked(StateStopped)
		case code < 0:
			_ = l.transitionLocked(StateCrashed)
		default:
			_ = l.transitionLocked(StateFailed)
		}
		l.handle.LastError = fmt.Sprintf("process exited with code %d", code)
		l.logger.Warn("process exited unexpectedly",
			zap.Int("exit_code", code),
			zap.String("state", string(l.handle.State)))
	}

	if l.handle.State != StateStarting && l.handle.State != StateStopping {
		l.releaseLocked()
	}
	close(exited)
	onExit := l.onExit
	snap := l.handle.snapshot()
	l.mu.Unlock()

	if unexpected && onExit != nil {
		onExit(snap)
	}
}

// MarkCrashed records that a running process died without the wait
// notification, for example when a liveness check finds the pid gone.
func (l *Lifecycle) MarkCrashed(exitCode int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle.State == StatePaused {
		_ = l.transitionLocked(StateRunning)
	}
	if err := l.transitionLocked(StateCrashed); err != nil {
		return err
	}
	l.handle.ExitCode = &exitCode
	l.handle.PID = 0
	l.handle.StoppedAt = l.now()
	l.handle.LastError = fmt.Sprintf("process crashed with code %d", exitCode)
	l.releaseLocked()
	return nil
}

// Stop terminates the process. Without force it sends SIGTERM and waits up to
// the shutdown timeout before killing. Resources are released on every path.
func (l *Lifecycle) Stop(ctx context.Context, force bool) error {
	l.mu.Lock()
	switch l.handle.State {
	case StateStopped, StateFailed, StateCrashed:
		l.handle.Exited = false
		l.releaseLocked()
		l.mu.Unlock()
		return nil
	}
	wasPaused := l.handle.State == StatePaused
	if err := l.transitionLocked(StateStopping); err != nil {
		l.mu.Unlock()
		return err
	}
	pid := l.handle.PID
	exited := l.exited
	timeout := l.cfg.ShutdownTimeout
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.releaseLocked()
		l.mu.Unlock()
	}()

	if exited == nil || pid == 0 {
		return l.finishStop()
	}

	graceful := !force
	if graceful {
		if wasPaused {
			_ = l.pm.Resume(pid)
		}
		if err := l.pm.Terminate(pid); err != nil {
			l.logger.Warn("graceful terminate failed, killing", zap.Int("pid", pid), zap.Error(err))
			graceful = false
		}
	}

	if graceful {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-exited:
			return l.finishStop()
		case <-timer.C:
			l.logger.Warn("shutdown timeout, killing", zap.Int("pid", pid), zap.Duration("timeout", timeout))
		case <-ctx.Done():
		}
	}

	if err := l.pm.Kill(pid); err != nil && l.pm.IsRunning(pid) {
		l.mu.Lock()
		_ = l.transitionLocked(StateFailed)
		l.handle.LastError = err.Error()
		l.mu.Unlock()
		return &ProcessError{Kind: ErrTermination, ProcessID: l.cfg.ProcessID, Err: err}
	}

	select {
	case <-exited:
		return l.finishStop()
	case <-time.After(l.killWait):
		l.mu.Lock()
		_ = l.transitionLocked(StateFailed)
		l.handle.LastError = "process did not exit after kill"
		l.mu.Unlock()
		return &LifecycleError{Kind: ErrShutdownTimeout, ProcessID: l.cfg.ProcessID}
	}
}

func (l *Lifecycle) finishStop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.transitionLocked(StateStopped); err != nil {
		return err
	}
	l.handle.PID = 0
	l.handle.StoppedAt = l.now()
	l.logger.Info("process stopped")
	return nil
}

// Fail kills a live process and leaves it Failed, for example after a missed
// heartbeat deadline.
func (l *Lifecycle) Fail(reason string) error {
	l.mu.Lock()
	if l.handle.State != StateRunning {
		from := l.handle.State
		l.mu.Unlock()
		return &LifecycleError{Kind: ErrInvalidStateTransition, ProcessID: l.cfg.ProcessID, From: from, To: StateFailed}
	}
	_ = l.transitionLocked(StateFailed)
	l.handle.LastError = reason
	pid := l.handle.PID
	exited := l.exited
	l.mu.Unlock()

	l.logger.Warn("process marked failed", zap.String("reason", reason), zap.Int("pid", pid))
	if pid > 0 {
		if err := l.pm.Kill(pid); err != nil {
			l.logger.Warn("failed to kill failed process", zap.Int("pid", pid), zap.Error(err))
		}
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(l.killWait):
			}
		}
	}

	l.mu.Lock()
	l.releaseLocked()
	l.mu.Unlock()
	return nil
}

// Restart relaunches the process if the restart policy allows it, after the
// policy delay.
func (l *Lifecycle) Restart(ctx context.Context) error {
	l.mu.RLock()
	count := l.handle.RestartCount
	var code *int
	if l.handle.ExitCode != nil {
		c := *l.handle.ExitCode
		code = &c
	}
	policy := l.cfg.Restart
	state := l.handle.State
	l.mu.RUnlock()

	if !policy.ShouldRestart(count, code) {
		return &LifecycleError{Kind: ErrRestartNotAllowed, ProcessID: l.cfg.ProcessID}
	}

	if state.IsAlive() {
		if err := l.Stop(ctx, false); err != nil {
			return err
		}
	}

	delay := policy.RestartDelay(count)
	l.mu.Lock()
	l.handle.RestartCount++
	if l.handle.State == StateCrashed {
		// Crashed has no outgoing transition; the handle is recycled.
		l.handle.State = StateStopped
	}
	attempt := l.handle.RestartCount
	l.mu.Unlock()

	metrics.ProcessRestartsTotal.Inc()
	l.logger.Info("restarting process",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return l.Start(ctx)
}

// Pause suspends a running process.
func (l *Lifecycle) Pause() error {
	return l.signalTransition(StatePaused, l.pm.Suspend)
}

// Resume continues a paused process.
func (l *Lifecycle) Resume() error {
	return l.signalTransition(StateRunning, l.pm.Resume)
}

func (l *Lifecycle) signalTransition(to State, signal func(pid int) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.handle.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) || (to == StateRunning && from != StatePaused) {
		return &LifecycleError{Kind: ErrInvalidStateTransition, ProcessID: l.cfg.ProcessID, From: from, To: to}
	}
	if err := signal(l.handle.PID); err != nil {
		return &ProcessError{Kind: ErrCommunication, ProcessID: l.cfg.ProcessID, Err: err}
	}
	return l.transitionLocked(to)
}

// RecordHeartbeat notes a liveness signal from the process.
func (l *Lifecycle) RecordHeartbeat(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle.State.IsAlive() {
		l.handle.LastHeartbeat = t
	}
}

// HealthCheck reports whether the process is healthy at now: Running with a
// fresh heartbeat, or Starting within the startup timeout.
func (l *Lifecycle) HealthCheck(now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.handle.State {
	case StateRunning:
		if !l.cfg.HealthCheck.Enabled {
			return true
		}
		return l.handle.HeartbeatAge(now) < l.cfg.HealthCheck.HeartbeatTimeout
	case StateStarting:
		return l.handle.Runtime(now) < l.cfg.StartupTimeout
	default:
		return false
	}
}

func (l *Lifecycle) failLocked(err error) {
	if l.handle.State != StateFailed {
		if terr := l.transitionLocked(StateFailed); terr != nil {
			l.handle.State = StateFailed
		}
	}
	l.handle.LastError = err.Error()
	l.logger.Error("process failed", zap.Error(err))
}

// releaseLocked returns held resources. It is idempotent.
func (l *Lifecycle) releaseLocked() {
	l.handle.LastHeartbeat = time.Time{}
	if !l.acquired {
		return
	}
	l.acquired = false
	if l.resources != nil {
		l.resources.Release(l.cfg.ProcessID)
	}
	if !l.pinned {
		l.cfg.CoreIDs = nil
	}
	l.handle.Cores = nil
}

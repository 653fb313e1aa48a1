package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	CheckInterval   time.Duration // How often process health is evaluated
	PersistInterval time.Duration // How often device state is written to the store
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckInterval:   10 * time.Second,
		PersistInterval: 30 * time.Second,
	}
}

// CommandLineChecker confirms that a pid still runs a given command before
// it is killed. infra.ProcessManagerImpl implements it.
type CommandLineChecker interface {
	CommandLineContains(pid int, marker string) bool
}

// DeviceView reports the orchestrator's view of a device.
type DeviceView interface {
	GetDevice(deviceID string) (usecase.Device, error)
}

// Supervisor keeps device processes alive. It restarts processes that fail
// their health check or exit on their own, as far as their restart policy
// allows, and records where every device process runs so a later start can
// clean up after a crash of the orchestrator itself.
type Supervisor struct {
	config    SupervisorConfig
	processes *process.Manager
	pm        domain.ProcessManager
	store     domain.HistoryStore // nil disables persistence
	devices   DeviceView
	logger    *zap.Logger
	now       func() time.Time

	wake chan struct{}

	mu         sync.Mutex
	restarting map[string]bool
	gaveUp     map[string]bool
	wg         sync.WaitGroup
}

// NewSupervisor creates a supervisor over processes.
func NewSupervisor(
	config SupervisorConfig,
	processes *process.Manager,
	pm domain.ProcessManager,
	store domain.HistoryStore,
	logger *zap.Logger,
) *Supervisor {
	s := &Supervisor{
		config:     config,
		processes:  processes,
		pm:         pm,
		store:      store,
		logger:     logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		restarting: make(map[string]bool),
		gaveUp:     make(map[string]bool),
	}
	processes.SetExitHandler(s.onExit)
	return s
}

// SetDeviceView makes persisted states carry the orchestrator's device status.
func (s *Supervisor) SetDeviceView(v DeviceView) {
	s.devices = v
}

// KillOrphans kills device processes recorded by a previous run that are
// still alive, then forgets every recorded state. It returns the number of
// processes killed. Call it before any device is registered.
func (s *Supervisor) KillOrphans() int {
	if s.store == nil {
		return 0
	}
	states, err := s.store.DeviceStates()
	if err != nil {
		s.logger.Warn("failed to read device states", zap.Error(err))
		return 0
	}

	checker, _ := s.pm.(CommandLineChecker)
	killed := 0
	for _, st := range states {
		if st.PID <= 0 || st.PID == s.pm.GetCurrentPID() || !s.pm.IsRunning(st.PID) {
			continue
		}
		if checker != nil && !checker.CommandLineContains(st.PID, DeviceMarker(st.DeviceID)) {
			s.logger.Debug("pid reused by another program, leaving it alone",
				zap.String("device_id", st.DeviceID),
				zap.Int("pid", st.PID))
			continue
		}
		if err := s.pm.Kill(st.PID); err != nil {
			s.logger.Warn("failed to kill orphaned device process",
				zap.String("device_id", st.DeviceID),
				zap.Int("pid", st.PID),
				zap.Error(err))
			continue
		}
		killed++
		s.logger.Info("killed orphaned device process",
			zap.String("device_id", st.DeviceID),
			zap.Int("pid", st.PID))
	}

	if err := s.store.ClearDeviceStates(); err != nil {
		s.logger.Warn("failed to clear device states", zap.Error(err))
	}
	return killed
}

// Run starts the supervisor loop.
// This blocks until context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		zap.Duration("check_interval", s.config.CheckInterval))

	checkTicker := time.NewTicker(s.config.CheckInterval)
	persistTicker := time.NewTicker(s.config.PersistInterval)

	defer func() {
		checkTicker.Stop()
		persistTicker.Stop()
		s.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return ctx.Err()

		case <-checkTicker.C:
			s.Check(ctx)

		case <-s.wake:
			s.Check(ctx)

		case <-persistTicker.C:
			s.Persist()
		}
	}
}

// onExit is the process manager exit handler. Checking happens on the loop.
func (s *Supervisor) onExit(h process.Handle) {
	s.logger.Info("device process exited",
		zap.String("device_id", h.DeviceID),
		zap.String("state", string(h.State)))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Check evaluates every process and starts a restart for each dead or
// unresponsive one. Restarts run in the background; Check does not block
// on them.
func (s *Supervisor) Check(ctx context.Context) {
	health := s.processes.HealthCheckAll(s.now())

	for _, h := range s.processes.List() {
		if health[h.ProcessID] {
			s.mu.Lock()
			delete(s.gaveUp, h.ProcessID)
			s.mu.Unlock()
			continue
		}

		switch h.State {
		case process.StateRunning:
			if h.PID > 0 && !s.pm.IsRunning(h.PID) {
				s.markCrashed(h)
			} else {
				s.failUnresponsive(h)
			}
		case process.StateFailed, process.StateCrashed:
		case process.StateStopped:
			// A clean exit is restarted only under RestartAlways.
			if !h.Exited || !s.restartsCleanExit(h.ProcessID) {
				continue
			}
		default:
			// Starting, stopping or paused.
			continue
		}
		s.restart(ctx, h)
	}
}

func (s *Supervisor) restartsCleanExit(processID string) bool {
	lc, err := s.processes.Lifecycle(processID)
	if err != nil {
		return false
	}
	return lc.Config().Restart.Kind == process.RestartAlways
}

func (s *Supervisor) markCrashed(h process.Handle) {
	lc, err := s.processes.Lifecycle(h.ProcessID)
	if err != nil {
		return
	}
	if err := lc.MarkCrashed(-1); err != nil {
		s.logger.Debug("mark crashed", zap.String("process_id", h.ProcessID), zap.Error(err))
		return
	}
	s.logger.Warn("device process disappeared",
		zap.String("device_id", h.DeviceID),
		zap.Int("pid", h.PID))
}

func (s *Supervisor) failUnresponsive(h process.Handle) {
	lc, err := s.processes.Lifecycle(h.ProcessID)
	if err != nil {
		return
	}
	if err := lc.Fail("heartbeat timeout"); err != nil {
		s.logger.Debug("fail unresponsive", zap.String("process_id", h.ProcessID), zap.Error(err))
	}
}

// restart relaunches processID in the background unless a restart is already
// in flight or the policy has refused one.
func (s *Supervisor) restart(ctx context.Context, h process.Handle) {
	s.mu.Lock()
	if s.restarting[h.ProcessID] || s.gaveUp[h.ProcessID] {
		s.mu.Unlock()
		return
	}
	s.restarting[h.ProcessID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.processes.Restart(ctx, h.ProcessID)

		s.mu.Lock()
		delete(s.restarting, h.ProcessID)
		if errors.Is(err, process.ErrRestartNotAllowed) {
			s.gaveUp[h.ProcessID] = true
		}
		s.mu.Unlock()

		switch {
		case err == nil:
			s.logger.Info("device process restarted", zap.String("device_id", h.DeviceID))
			s.Persist()
		case errors.Is(err, process.ErrRestartNotAllowed):
			s.logger.Error("device process will not be restarted",
				zap.String("device_id", h.DeviceID),
				zap.Int("restarts", h.RestartCount),
				zap.String("last_error", h.LastError))
		case errors.Is(err, context.Canceled):
		default:
			s.logger.Warn("device process restart failed",
				zap.String("device_id", h.DeviceID),
				zap.Error(err))
		}
	}()
}

// Persist writes the state of every managed process and forgets devices
// that are no longer managed.
func (s *Supervisor) Persist() {
	if s.store == nil {
		return
	}
	handles := s.processes.List()
	live := make(map[string]bool, len(handles))
	for _, h := range handles {
		live[h.DeviceID] = true
		state := domain.DeviceState{
			DeviceID: h.DeviceID,
			PID:      h.PID,
			Cores:    h.Cores,
			Status:   s.deviceStatus(h),
		}
		if !h.LastHeartbeat.IsZero() {
			state.LastHeartbeat = h.LastHeartbeat.Unix()
		}
		if err := s.store.SaveDeviceState(state); err != nil {
			s.logger.Warn("failed to save device state",
				zap.String("device_id", h.DeviceID),
				zap.Error(err))
		}
	}

	stored, err := s.store.DeviceStates()
	if err != nil {
		s.logger.Warn("failed to read device states", zap.Error(err))
		return
	}
	for _, st := range stored {
		if live[st.DeviceID] {
			continue
		}
		if err := s.store.RemoveDeviceState(st.DeviceID); err != nil {
			s.logger.Warn("failed to remove device state",
				zap.String("device_id", st.DeviceID),
				zap.Error(err))
		}
	}
}

func (s *Supervisor) deviceStatus(h process.Handle) domain.DeviceStatus {
	if s.devices != nil {
		if dev, err := s.devices.GetDevice(h.DeviceID); err == nil {
			return dev.Status
		}
	}
	switch h.State {
	case process.StateStarting:
		return domain.DeviceInitializing
	case process.StateRunning, process.StatePaused:
		return domain.DeviceIdle
	case process.StateStopping:
		return domain.DeviceStopping
	case process.StateFailed, process.StateCrashed:
		return domain.DeviceError
	default:
		return domain.DeviceOffline
	}
}

// Forget clears every persisted device state. Call it after a clean shutdown.
func (s *Supervisor) Forget() {
	if s.store == nil {
		return
	}
	if err := s.store.ClearDeviceStates(); err != nil {
		s.logger.Warn("failed to clear device states", zap.Error(err))
	}
}

package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/metrics"
)

// ManagerStats summarizes the managed processes.
type ManagerStats struct {
	Total            int
	Running          int
	Paused           int
	Failed           int
	Crashed          int
	ReservedMemoryMB uint64
	AvailableMemMB   uint64
}

// Manager owns the lifecycles of all device processes and the cores and
// memory they hold while alive.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Lifecycle
	byDevice  map[string]string // device id -> process id

	allocator *cpu.Allocator
	memory    *MemoryManager
	spawner   Spawner
	pm        domain.ProcessManager
	policy    cpu.Policy
	onExit    func(Handle)
	logger    *zap.Logger

	readyPoll time.Duration
}

var _ Resources = (*Manager)(nil)

// NewManager creates a manager. allocator and memory may be nil, in which
// case processes must carry fixed CoreIDs and memory is not booked.
func NewManager(allocator *cpu.Allocator, memory *MemoryManager, spawner Spawner, pm domain.ProcessManager, logger *zap.Logger) *Manager {
	return &Manager{
		processes: make(map[string]*Lifecycle),
		byDevice:  make(map[string]string),
		allocator: allocator,
		memory:    memory,
		spawner:   spawner,
		pm:        pm,
		policy:    cpu.PolicyBalanced,
		logger:    logger,
	}
}

// SetAllocationPolicy selects the hybrid core preference for new grants.
func (m *Manager) SetAllocationPolicy(p cpu.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// SetReadyPollInterval sets how often new lifecycles check for liveness
// while starting. Zero keeps the default.
func (m *Manager) SetReadyPollInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyPoll = d
}

// SetExitHandler registers a callback for processes that exit on their own.
func (m *Manager) SetExitHandler(fn func(Handle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// Acquire grants exclusive cores (unless cfg already pins them) and books
// memory for cfg.ProcessID.
func (m *Manager) Acquire(cfg *Config) error {
	m.mu.RLock()
	policy := m.policy
	m.mu.RUnlock()

	allocated := false
	if len(cfg.CoreIDs) == 0 {
		if m.allocator == nil {
			return &ConfigError{Field: "core_ids", Reason: "no allocator configured"}
		}
		alloc, err := m.allocator.Allocate(cfg.ProcessID, cfg.CoreCount, policy, cpu.Exclusive)
		if err != nil {
			return err
		}
		cfg.CoreIDs = alloc.Cores
		allocated = true
	}

	if m.memory != nil {
		if err := m.memory.Reserve(cfg.ProcessID, cfg.MemoryMB); err != nil {
			if allocated {
				_, _ = m.allocator.Deallocate(cfg.ProcessID)
				cfg.CoreIDs = nil
			}
			return err
		}
	}
	return nil
}

// Release frees the cores and memory held by processID.
func (m *Manager) Release(processID string) {
	if m.allocator != nil {
		if _, err := m.allocator.Deallocate(processID); err != nil && !errors.Is(err, cpu.ErrAllocationNotFound) {
			m.logger.Warn("failed to release cores", zap.String("process_id", processID), zap.Error(err))
		}
	}
	if m.memory != nil {
		m.memory.Release(processID)
	}
}

// Create registers a process without starting it.
func (m *Manager) Create(cfg Config) (*Lifecycle, error) {
	if cfg.ProcessID == "" {
		return nil, &LifecycleError{Kind: ErrInvalidConfig, Err: &ConfigError{Field: "process_id", Reason: "must not be empty"}}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processes[cfg.ProcessID]; exists {
		return nil, &ProcessError{Kind: ErrProcessAlreadyExists, ProcessID: cfg.ProcessID}
	}

	lc := NewLifecycle(cfg, m.spawner, m.pm, m, m.logger)
	lc.SetExitHandler(m.handleExit)
	if m.readyPoll > 0 {
		lc.pollInterval = m.readyPoll
	}
	m.processes[cfg.ProcessID] = lc
	if cfg.DeviceID != "" {
		m.byDevice[cfg.DeviceID] = cfg.ProcessID
	}
	metrics.ManagedProcesses.Set(float64(len(m.processes)))

	m.logger.Info("process created",
		zap.String("process_id", cfg.ProcessID),
		zap.String("device_id", cfg.DeviceID))
	return lc, nil
}

func (m *Manager) handleExit(h Handle) {
	m.mu.RLock()
	fn := m.onExit
	m.mu.RUnlock()
	if fn != nil {
		fn(h)
	}
}

// Lifecycle returns the lifecycle of processID.
func (m *Manager) Lifecycle(processID string) (*Lifecycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lc, ok := m.processes[processID]
	if !ok {
		return nil, &ProcessError{Kind: ErrProcessNotFound, ProcessID: processID}
	}
	return lc, nil
}

// Get returns a snapshot of processID's handle.
func (m *Manager) Get(processID string) (Handle, error) {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return Handle{}, err
	}
	return lc.Snapshot(), nil
}

// Start launches processID.
func (m *Manager) Start(ctx context.Context, processID string) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	return lc.Start(ctx)
}

// Stop terminates processID.
func (m *Manager) Stop(ctx context.Context, processID string, force bool) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	return lc.Stop(ctx, force)
}

// Restart relaunches processID under its restart policy.
func (m *Manager) Restart(ctx context.Context, processID string) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	return lc.Restart(ctx)
}

// Pause suspends processID.
func (m *Manager) Pause(processID string) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	return lc.Pause()
}

// Resume continues processID.
func (m *Manager) Resume(processID string) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	return lc.Resume()
}

// Remove stops processID if needed and forgets it.
func (m *Manager) Remove(ctx context.Context, processID string) error {
	lc, err := m.Lifecycle(processID)
	if err != nil {
		return err
	}
	if err := lc.Stop(ctx, false); err != nil {
		m.logger.Warn("stop before remove failed", zap.String("process_id", processID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.processes, processID)
	for dev, pid := range m.byDevice {
		if pid == processID {
			delete(m.byDevice, dev)
		}
	}
	metrics.ManagedProcesses.Set(float64(len(m.processes)))
	m.mu.Unlock()

	m.logger.Info("process removed", zap.String("process_id", processID))
	return nil
}

// List returns snapshots of every process ordered by process id.
func (m *Manager) List() []Handle {
	m.mu.RLock()
	lcs := make([]*Lifecycle, 0, len(m.processes))
	for _, lc := range m.processes {
		lcs = append(lcs, lc)
	}
	m.mu.RUnlock()

	out := make([]Handle, 0, len(lcs))
	for _, lc := range lcs {
		out = append(out, lc.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

// RecordHeartbeat notes a heartbeat from the process serving deviceID.
// It reports false when no process serves the device.
func (m *Manager) RecordHeartbeat(deviceID string, at time.Time) bool {
	m.mu.RLock()
	processID, ok := m.byDevice[deviceID]
	lc := m.processes[processID]
	m.mu.RUnlock()
	if !ok || lc == nil {
		return false
	}
	lc.RecordHeartbeat(at)
	return true
}

// HealthCheckAll evaluates every process at now.
func (m *Manager) HealthCheckAll(now time.Time) map[string]bool {
	m.mu.RLock()
	lcs := make(map[string]*Lifecycle, len(m.processes))
	for id, lc := range m.processes {
		lcs[id] = lc
	}
	m.mu.RUnlock()

	out := make(map[string]bool, len(lcs))
	for id, lc := range lcs {
		out[id] = lc.HealthCheck(now)
	}
	return out
}

// Stats counts processes by state.
func (m *Manager) Stats() ManagerStats {
	var st ManagerStats
	for _, h := range m.List() {
		st.Total++
		switch h.State {
		case StateRunning:
			st.Running++
		case StatePaused:
			st.Paused++
		case StateFailed:
			st.Failed++
		case StateCrashed:
			st.Crashed++
		}
	}
	if m.memory != nil {
		st.ReservedMemoryMB = m.memory.ReservedMB()
		st.AvailableMemMB = m.memory.AvailableMB()
	}
	return st
}

// Shutdown stops every live process concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	lcs := make([]*Lifecycle, 0, len(m.processes))
	for _, lc := range m.processes {
		lcs = append(lcs, lc)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, lc := range lcs {
		if !lc.State().IsAlive() {
			continue
		}
		wg.Add(1)
		go func(lc *Lifecycle) {
			defer wg.Done()
			if err := lc.Stop(ctx, false); err != nil {
				m.logger.Warn("failed to stop process during shutdown", zap.Error(err))
			}
		}(lc)
	}
	wg.Wait()
}

package process

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/domain"
)

// fakeSpawner hands out fake pids whose exit is driven by the test.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]chan ExitStatus
	spawned  []Config
	err      error
	exitCode *int // When set, every process exits right after spawning
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, procs: make(map[int]chan ExitStatus)}
}

func (f *fakeSpawner) Spawn(_ context.Context, cfg Config) (*Spawned, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	f.nextPID++
	pid := f.nextPID
	ch := make(chan ExitStatus, 1)
	f.procs[pid] = ch
	f.spawned = append(f.spawned, cfg.clone())
	code := f.exitCode
	f.mu.Unlock()

	if code != nil {
		f.exit(pid, *code)
	}
	return &Spawned{PID: pid, Done: ch}, nil
}

// exit ends pid with code. Exiting twice is a no-op.
func (f *fakeSpawner) exit(pid, code int) {
	f.mu.Lock()
	ch, ok := f.procs[pid]
	delete(f.procs, pid)
	f.mu.Unlock()
	if !ok {
		return
	}
	ch <- ExitStatus{Code: code}
	close(ch)
}

func (f *fakeSpawner) alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

// mockProcessManager is a test double for domain.ProcessManager wired to a
// fakeSpawner: terminate exits with 0, kill with -1.
type mockProcessManager struct {
	mu         sync.Mutex
	spawner    *fakeSpawner
	ignoreTerm bool
	terminated []int
	killed     []int
	suspended  []int
	resumed    []int
	stats      map[int]*domain.ProcessStats
}

func newMockProcessManager(s *fakeSpawner) *mockProcessManager {
	return &mockProcessManager{spawner: s, stats: make(map[int]*domain.ProcessStats)}
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	m.terminated = append(m.terminated, pid)
	ignore := m.ignoreTerm
	m.mu.Unlock()
	if !ignore {
		m.spawner.exit(pid, 0)
	}
	return nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	m.killed = append(m.killed, pid)
	m.mu.Unlock()
	m.spawner.exit(pid, -1)
	return nil
}

func (m *mockProcessManager) Suspend(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = append(m.suspended, pid)
	return nil
}

func (m *mockProcessManager) Resume(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = append(m.resumed, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.spawner.alive(pid)
}

func (m *mockProcessManager) Stats(pid int) (*domain.ProcessStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[pid]
	if !ok {
		return nil, errors.New("no such process")
	}
	return st, nil
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) killedPIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.killed...)
}

var _ domain.ProcessManager = (*mockProcessManager)(nil)

func uniformTopology(n int) *cpu.Topology {
	topo := &cpu.Topology{PhysicalCores: n, LogicalCores: n}
	for i := 0; i < n; i++ {
		topo.Cores = append(topo.Cores, cpu.PhysicalCore{
			CoreID:     i,
			Type:       cpu.CoreStandard,
			LogicalIDs: []int{i},
		})
	}
	return topo
}

type testEnv struct {
	spawner   *fakeSpawner
	pm        *mockProcessManager
	allocator *cpu.Allocator
	memory    *MemoryManager
	manager   *Manager
}

func newTestEnv(t *testing.T, cores int) *testEnv {
	t.Helper()
	s := newFakeSpawner()
	pm := newMockProcessManager(s)
	alloc := cpu.NewAllocator(uniformTopology(cores), zap.NewNop())
	mem := NewMemoryManagerWithTotal(10 * 1024)
	return &testEnv{
		spawner:   s,
		pm:        pm,
		allocator: alloc,
		memory:    mem,
		manager:   NewManager(alloc, mem, s, pm, zap.NewNop()),
	}
}

// testConfig returns a fast config: health checks off, short timeouts.
func testConfig(id string, cores int) Config {
	cfg := DefaultConfig(id, id, cores)
	cfg.Program = "/bin/true"
	cfg.MemoryMB = 256
	cfg.HealthCheck.Enabled = false
	cfg.StartupTimeout = time.Second
	cfg.ShutdownTimeout = 200 * time.Millisecond
	cfg.Restart = RestartPolicy{Kind: RestartOnFailure, MaxAttempts: 3}
	return cfg
}

// fast shortens the internal polling of a lifecycle for tests.
func fast(l *Lifecycle) *Lifecycle {
	l.pollInterval = 5 * time.Millisecond
	l.startGrace = 10 * time.Millisecond
	l.killWait = 200 * time.Millisecond
	return l
}

func (e *testEnv) lifecycle(t *testing.T, cfg Config) *Lifecycle {
	t.Helper()
	lc, err := e.manager.Create(cfg)
	if err != nil {
		t.Fatalf("create %s: %v", cfg.ProcessID, err)
	}
	return fast(lc)
}

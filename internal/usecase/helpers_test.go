package usecase

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
)

// fakeSender records messages instead of writing them to a socket.
type fakeSender struct {
	mu   sync.Mutex
	sent []ipc.Message
	fail map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]error)}
}

func (f *fakeSender) Send(deviceID string, msg ipc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[deviceID]; err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) failFor(deviceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[deviceID] = err
}

// commands returns the actions sent to deviceID in order.
func (f *fakeSender) commands(deviceID string) []ipc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ipc.Command
	for _, m := range f.sent {
		if c, ok := m.Payload.(ipc.Command); ok && m.SourceOrTarget == deviceID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSender) actions(deviceID string) []ipc.CommandAction {
	var out []ipc.CommandAction
	for _, c := range f.commands(deviceID) {
		out = append(out, c.Action)
	}
	return out
}

// fakeSpawner hands out fake pids. onSpawn runs after every spawn.
type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   map[int]chan process.ExitStatus
	onSpawn func(cfg process.Config, pid int)
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 4000, procs: make(map[int]chan process.ExitStatus)}
}

func (f *fakeSpawner) Spawn(_ context.Context, cfg process.Config) (*process.Spawned, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	ch := make(chan process.ExitStatus, 1)
	f.procs[pid] = ch
	hook := f.onSpawn
	f.mu.Unlock()

	if hook != nil {
		go hook(cfg, pid)
	}
	return &process.Spawned{PID: pid, Done: ch}, nil
}

func (f *fakeSpawner) exit(pid, code int) {
	f.mu.Lock()
	ch, ok := f.procs[pid]
	delete(f.procs, pid)
	f.mu.Unlock()
	if !ok {
		return
	}
	ch <- process.ExitStatus{Code: code}
	close(ch)
}

func (f *fakeSpawner) alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

// fakeProcessManager ends fake processes on terminate and kill.
type fakeProcessManager struct {
	spawner *fakeSpawner
}

func (m *fakeProcessManager) Terminate(pid int) error { m.spawner.exit(pid, 0); return nil }
func (m *fakeProcessManager) Kill(pid int) error      { m.spawner.exit(pid, -1); return nil }
func (m *fakeProcessManager) Suspend(int) error       { return nil }
func (m *fakeProcessManager) Resume(int) error        { return nil }
func (m *fakeProcessManager) IsRunning(pid int) bool  { return m.spawner.alive(pid) }
func (m *fakeProcessManager) GetCurrentPID() int      { return os.Getpid() }

func (m *fakeProcessManager) Stats(int) (*domain.ProcessStats, error) {
	return nil, errors.New("not supported")
}

var _ domain.ProcessManager = (*fakeProcessManager)(nil)

// eventRecorder is an in-memory domain.EventPublisher.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

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

func testProcessConfig(spec DeviceSpec, cores int) process.Config {
	cfg := process.DefaultConfig("", spec.ID, cores)
	cfg.Program = "/bin/true"
	cfg.MemoryMB = 256
	cfg.StartupTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 200 * time.Millisecond
	return cfg
}

type harness struct {
	dm        *DeviceManager
	sched     *scheduler.Scheduler
	sender    *fakeSender
	spawner   *fakeSpawner
	allocator *cpu.Allocator
	events    *eventRecorder
}

// newHarness wires a device manager to fake processes that register over
// IPC right after they are spawned.
func newHarness(t *testing.T, cores int, cfg Config) *harness {
	t.Helper()
	alloc := cpu.NewAllocator(uniformTopology(cores), zap.NewNop())
	sp := newFakeSpawner()
	procs := process.NewManager(alloc, nil, sp, &fakeProcessManager{spawner: sp}, zap.NewNop())
	procs.SetReadyPollInterval(5 * time.Millisecond)

	sched, err := scheduler.New(scheduler.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		sched:     sched,
		sender:    newFakeSender(),
		spawner:   sp,
		allocator: alloc,
		events:    &eventRecorder{},
	}
	h.dm = NewDeviceManager(cfg, procs, sched, h.sender, testProcessConfig, zap.NewNop())
	h.dm.SetEventPublisher(h.events)
	sched.SetDispatcher(h.dm)

	sp.onSpawn = func(pc process.Config, pid int) {
		h.dm.HandleMessage(ipc.NewMessage(pc.DeviceID, ipc.TypeEvent, ipc.SocketRegistration{PID: uint32(pid)}))
	}
	t.Cleanup(func() { h.dm.Shutdown(context.Background()) })
	return h
}

func (h *harness) register(t *testing.T, id string) Device {
	t.Helper()
	dev, err := h.dm.RegisterDevice(context.Background(), DeviceSpec{ID: id})
	require.NoError(t, err)
	return dev
}

func (h *harness) addScript(t *testing.T, id string) {
	t.Helper()
	info := script.New(id, id, "", "/opt/scripts/"+id+".sh")
	info.Config.TimeoutSeconds = 60
	require.NoError(t, h.sched.RegisterScript(info))
}

// running registers a device with an assigned script already started.
func (h *harness) running(t *testing.T, deviceID, scriptID string) {
	t.Helper()
	h.register(t, deviceID)
	h.addScript(t, scriptID)
	require.NoError(t, h.dm.AssignScript(context.Background(), scriptID, deviceID, false))
	require.NoError(t, h.dm.StartScript(context.Background(), scriptID))
}

func (h *harness) report(deviceID string, payload ipc.Payload) {
	h.dm.HandleMessage(ipc.NewMessage(deviceID, ipc.TypeStatus, payload))
}

// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/daemon"
	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
)

// FastClientConfig keeps reconnects and heartbeats short for tests.
func FastClientConfig(endpoint string) ipc.ClientConfig {
	cfg := ipc.DefaultClientConfig(endpoint)
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.MaxReconnectAttempts = 20
	return cfg
}

// DeviceHost runs device runtimes as goroutines instead of OS processes. It
// is both the process.Spawner and the domain.ProcessManager of a test
// orchestrator: a "pid" names one in-process device.
type DeviceHost struct {
	runner daemon.ScriptRunner
	logger *zap.Logger

	mu      sync.Mutex
	nextPID int
	devices map[int]*hostedDevice
}

type hostedDevice struct {
	cancel context.CancelFunc
	code   int
}

var (
	_ process.Spawner       = (*DeviceHost)(nil)
	_ domain.ProcessManager = (*DeviceHost)(nil)
)

// NewDeviceHost creates a host whose devices run scripts with runner.
func NewDeviceHost(runner daemon.ScriptRunner, logger *zap.Logger) *DeviceHost {
	return &DeviceHost{
		runner:  runner,
		logger:  logger,
		nextPID: 50000,
		devices: make(map[int]*hostedDevice),
	}
}

// Spawn starts a device that connects to cfg.IPCEndpoint.
func (h *DeviceHost) Spawn(_ context.Context, cfg process.Config) (*process.Spawned, error) {
	if cfg.IPCEndpoint == "" {
		return nil, fmt.Errorf("device %s has no ipc endpoint", cfg.DeviceID)
	}

	h.mu.Lock()
	h.nextPID++
	pid := h.nextPID
	ctx, cancel := context.WithCancel(context.Background())
	dev := &hostedDevice{cancel: cancel}
	h.devices[pid] = dev
	h.mu.Unlock()

	rt := daemon.NewDeviceRuntime(
		daemon.RuntimeConfig{StatsInterval: 200 * time.Millisecond, SendTimeout: time.Second, StopGrace: time.Second},
		cfg.DeviceID, h.runner, h, zap.NewAtomicLevel(), h.logger)
	client := ipc.NewClient(FastClientConfig(cfg.IPCEndpoint), cfg.DeviceID, uint32(pid), rt.HandleMessage, h.logger)
	client.SetHeartbeatSource(rt.Heartbeat)
	rt.SetChannel(client)

	exit := make(chan process.ExitStatus, 1)
	clientCtx, cancelClient := context.WithCancel(context.Background())
	go func() { _ = client.Run(clientCtx) }()
	go func() {
		_ = rt.Run(ctx)
		cancelClient()

		h.mu.Lock()
		code := dev.code
		delete(h.devices, pid)
		h.mu.Unlock()

		exit <- process.ExitStatus{Code: code}
		close(exit)
	}()

	return &process.Spawned{PID: pid, Done: exit}, nil
}

func (h *DeviceHost) end(pid, code int) error {
	h.mu.Lock()
	dev, ok := h.devices[pid]
	if ok {
		dev.code = code
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no device with pid %d", pid)
	}
	dev.cancel()
	return nil
}

// Crash ends a device as if it died on its own.
func (h *DeviceHost) Crash(pid int) error { return h.end(pid, 1) }

func (h *DeviceHost) Terminate(pid int) error { return h.end(pid, 0) }
func (h *DeviceHost) Kill(pid int) error      { return h.end(pid, -1) }
func (h *DeviceHost) Suspend(int) error       { return nil }
func (h *DeviceHost) Resume(int) error        { return nil }
func (h *DeviceHost) GetCurrentPID() int      { return os.Getpid() }

func (h *DeviceHost) IsRunning(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[pid]
	return ok
}

func (h *DeviceHost) Stats(pid int) (*domain.ProcessStats, error) {
	return &domain.ProcessStats{PID: pid, CPUPercent: 1, MemoryRSS: 32 << 20}, nil
}

// Running reports how many devices are alive.
func (h *DeviceHost) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices)
}

// TimedRunner is a daemon.ScriptRunner that "runs" a script by sleeping.
// Scripts whose path is listed in Fail end with an error.
type TimedRunner struct {
	Duration time.Duration
	Fail     map[string]bool
}

var _ daemon.ScriptRunner = (*TimedRunner)(nil)

func (r *TimedRunner) Start(ctx context.Context, spec ipc.ScriptSpec, output func(string)) (daemon.Execution, error) {
	e := &timedExecution{done: make(chan error, 1)}
	go func() {
		output("started " + spec.ID)
		select {
		case <-time.After(r.Duration):
			if r.Fail[spec.Path] {
				e.done <- fmt.Errorf("%s exited with status 1", spec.Path)
				return
			}
			e.done <- nil
		case <-ctx.Done():
			e.done <- ctx.Err()
		}
	}()
	return e, nil
}

type timedExecution struct {
	done chan error
}

func (e *timedExecution) Wait() error   { return <-e.done }
func (e *timedExecution) Pause() error  { return nil }
func (e *timedExecution) Resume() error { return nil }

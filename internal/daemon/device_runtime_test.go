package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
)

// fakeChannel records what the runtime sends.
type fakeChannel struct {
	mu   sync.Mutex
	sent []ipc.Message
	logs []string
}

func (c *fakeChannel) Send(_ context.Context, msg ipc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Log(_, message, _ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, message)
	return true
}

func (c *fakeChannel) results() []ipc.ScriptExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ipc.ScriptExecutionResult
	for _, m := range c.sent {
		if r, ok := m.Payload.(ipc.ScriptExecutionResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeChannel) statuses(scriptID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.sent {
		if s, ok := m.Payload.(ipc.ScriptStatusUpdate); ok && s.ScriptID == scriptID {
			out = append(out, s.Status)
		}
	}
	return out
}

func (c *fakeChannel) payloads(kind ipc.PayloadKind) []ipc.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ipc.Payload
	for _, m := range c.sent {
		if m.Payload.Kind() == kind {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (c *fakeChannel) logLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

// fakeExecution ends when the test says so or when its context is cancelled.
type fakeExecution struct {
	ctx     context.Context
	done    chan error
	paused  atomic.Int32
	resumed atomic.Int32
}

func (e *fakeExecution) Wait() error {
	select {
	case err := <-e.done:
		return err
	case <-e.ctx.Done():
		return errors.New("signal: killed")
	}
}

func (e *fakeExecution) Pause() error  { e.paused.Add(1); return nil }
func (e *fakeExecution) Resume() error { e.resumed.Add(1); return nil }

type fakeRunner struct {
	mu      sync.Mutex
	err     error
	started []ipc.ScriptSpec
	execs   map[string]*fakeExecution
	output  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{execs: make(map[string]*fakeExecution)}
}

func (r *fakeRunner) Start(ctx context.Context, spec ipc.ScriptSpec, output func(string)) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, line := range r.output {
		output(line)
	}
	e := &fakeExecution{ctx: ctx, done: make(chan error, 1)}
	r.started = append(r.started, spec)
	r.execs[spec.ID] = e
	return e, nil
}

func (r *fakeRunner) exec(id string) *fakeExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execs[id]
}

// statsPM reports fixed usage for the current process.
type statsPM struct {
	mockPM
}

func (*statsPM) Stats(int) (*domain.ProcessStats, error) {
	return &domain.ProcessStats{CPUPercent: 12.5, MemoryRSS: 64 * 1024 * 1024}, nil
}

type runtimeHarness struct {
	rt      *DeviceRuntime
	channel *fakeChannel
	runner  *fakeRunner
	level   zap.AtomicLevel
}

func newRuntimeHarness(t *testing.T) *runtimeHarness {
	t.Helper()
	cfg := DefaultRuntimeConfig()
	cfg.StatsInterval = time.Hour
	cfg.StopGrace = time.Second

	h := &runtimeHarness{
		channel: &fakeChannel{},
		runner:  newFakeRunner(),
		level:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	h.rt = NewDeviceRuntime(cfg, "dev-1", h.runner, &statsPM{}, h.level, zap.NewNop())
	h.rt.SetChannel(h.channel)
	return h
}

func (h *runtimeHarness) command(action ipc.CommandAction, scriptID string) {
	h.rt.HandleMessage(ipc.NewCommand("dev-1", action, scriptID))
}

func (h *runtimeHarness) add(id string) {
	msg := ipc.NewMessage("dev-1", ipc.TypeCommand, ipc.Command{
		Action:   ipc.ActionAddScript,
		ScriptID: id,
		Script:   &ipc.ScriptSpec{ID: id, Name: id, Path: "/opt/scripts/" + id + ".sh", TimeoutSeconds: 30},
	})
	h.rt.HandleMessage(msg)
}

func (h *runtimeHarness) start(t *testing.T, id string) *fakeExecution {
	t.Helper()
	h.add(id)
	h.command(ipc.ActionStartScript, id)
	e := h.runner.exec(id)
	require.NotNil(t, e)
	return e
}

func TestRuntime_SuccessfulRun(t *testing.T) {
	h := newRuntimeHarness(t)
	e := h.start(t, "s1")
	assert.Equal(t, "s1", h.rt.Running())

	e.done <- nil

	require.Eventually(t, func() bool { return len(h.channel.results()) == 1 }, time.Second, 5*time.Millisecond)
	res := h.channel.results()[0]
	assert.Equal(t, "s1", res.ScriptID)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"running", "stopped"}, h.channel.statuses("s1"))
	assert.Empty(t, h.rt.Running())
}

func TestRuntime_FailedRun(t *testing.T) {
	h := newRuntimeHarness(t)
	e := h.start(t, "s1")

	e.done <- errors.New("exit status 3")

	require.Eventually(t, func() bool { return len(h.channel.results()) == 1 }, time.Second, 5*time.Millisecond)
	res := h.channel.results()[0]
	assert.False(t, res.Success)
	assert.Equal(t, "exit status 3", res.Error)
	assert.Equal(t, []string{"running", "error"}, h.channel.statuses("s1"))
}

func TestRuntime_OneScriptAtATime(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")
	h.add("s2")

	h.command(ipc.ActionStartScript, "s2")

	results := h.channel.results()
	require.Len(t, results, 1)
	assert.Equal(t, "s2", results[0].ScriptID)
	assert.False(t, results[0].Success)
	assert.Equal(t, busyError, results[0].Error)
	assert.Equal(t, "s1", h.rt.Running())
	assert.Nil(t, h.runner.exec("s2"))
}

func TestRuntime_RepeatedStartOfRunningScript(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")

	h.command(ipc.ActionStartScript, "s1")

	assert.Empty(t, h.channel.results())
	assert.Equal(t, []string{"running", "running"}, h.channel.statuses("s1"))
}

func TestRuntime_StopReportsCancelled(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")

	h.command(ipc.ActionStopScript, "s1")

	require.Eventually(t, func() bool { return len(h.channel.results()) == 1 }, time.Second, 5*time.Millisecond)
	res := h.channel.results()[0]
	assert.False(t, res.Success)
	assert.Equal(t, ipc.ResultCancelled, res.Error)
	assert.Equal(t, []string{"running", "stopped"}, h.channel.statuses("s1"))
	assert.Empty(t, h.rt.Running())
}

func TestRuntime_StopIdleScript(t *testing.T) {
	h := newRuntimeHarness(t)
	h.add("s1")

	h.command(ipc.ActionStopScript, "s1")

	assert.Empty(t, h.channel.results())
	assert.Equal(t, []string{"stopped"}, h.channel.statuses("s1"))
}

func TestRuntime_UnknownScript(t *testing.T) {
	h := newRuntimeHarness(t)

	h.command(ipc.ActionStartScript, "ghost")

	results := h.channel.results()
	require.Len(t, results, 1)
	assert.Equal(t, notFoundError, results[0].Error)
	assert.Equal(t, []string{"error"}, h.channel.statuses("ghost"))
	assert.Empty(t, h.rt.Running())
}

func TestRuntime_StartCarriesSpec(t *testing.T) {
	h := newRuntimeHarness(t)
	msg := ipc.NewMessage("dev-1", ipc.TypeCommand, ipc.Command{
		Action:   ipc.ActionStartScript,
		ScriptID: "s9",
		Script:   &ipc.ScriptSpec{ID: "s9", Path: "/opt/s9.sh", Parameters: map[string]any{"mode": "fast"}},
	})

	h.rt.HandleMessage(msg)

	require.NotNil(t, h.runner.exec("s9"))
	assert.Equal(t, "fast", h.runner.started[0].Parameters["mode"])
	assert.Equal(t, 1, h.rt.Scripts())
}

func TestRuntime_RunnerStartFailure(t *testing.T) {
	h := newRuntimeHarness(t)
	h.runner.err = errors.New("permission denied")
	h.add("s1")

	h.command(ipc.ActionStartScript, "s1")

	results := h.channel.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "permission denied", results[0].Error)
	assert.Equal(t, []string{"error"}, h.channel.statuses("s1"))
	assert.Empty(t, h.rt.Running())
}

func TestRuntime_OutputIsForwarded(t *testing.T) {
	h := newRuntimeHarness(t)
	h.runner.output = []string{"line one", "line two"}

	h.start(t, "s1")

	assert.Equal(t, []string{"line one", "line two"}, h.channel.logLines())
}

func TestRuntime_PauseResume(t *testing.T) {
	h := newRuntimeHarness(t)
	e := h.start(t, "s1")

	h.command(ipc.ActionPauseScript, "s1")
	h.command(ipc.ActionResumeScript, "s1")

	assert.Equal(t, int32(1), e.paused.Load())
	assert.Equal(t, int32(1), e.resumed.Load())
	assert.Equal(t, []string{"running", "paused", "running"}, h.channel.statuses("s1"))
}

func TestRuntime_PauseWithoutRunReportsError(t *testing.T) {
	h := newRuntimeHarness(t)

	h.command(ipc.ActionPauseScript, "s1")

	reports := h.channel.payloads(ipc.KindError)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].(ipc.ErrorReport).Message, "not running")
}

func TestRuntime_RemoveStopsRunningScript(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")

	h.command(ipc.ActionRemoveScript, "s1")

	require.Eventually(t, func() bool { return len(h.channel.results()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ipc.ResultCancelled, h.channel.results()[0].Error)
	assert.Equal(t, 0, h.rt.Scripts())
}

func TestRuntime_GetStatus(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")

	h.command(ipc.ActionGetStatus, "")

	statuses := h.channel.payloads(ipc.KindDeviceStatusUpdate)
	require.Len(t, statuses, 1)
	assert.Equal(t, string(domain.DeviceRunning), statuses[0].(ipc.DeviceStatusUpdate).Status)

	stats := h.channel.payloads(ipc.KindDeviceStats)
	require.Len(t, stats, 1)
	ds := stats[0].(ipc.DeviceStats)
	assert.Equal(t, "s1", ds.RunningScript)
	assert.Equal(t, 12.5, ds.CPUPercent)
	assert.Equal(t, uint64(64), ds.MemoryMB)
}

func TestRuntime_Heartbeat(t *testing.T) {
	h := newRuntimeHarness(t)

	hb := h.rt.Heartbeat()

	assert.Equal(t, float32(12.5), hb.CPUUsage)
	assert.Equal(t, uint64(64*1024*1024), hb.MemoryUsage)
}

func TestRuntime_LogLevelChange(t *testing.T) {
	h := newRuntimeHarness(t)

	h.rt.HandleMessage(ipc.NewMessage("dev-1", ipc.TypeLogger, ipc.LogEntry{Level: "debug"}))
	assert.Equal(t, zapcore.DebugLevel, h.level.Level())

	h.rt.HandleMessage(ipc.NewMessage("dev-1", ipc.TypeLogger, ipc.LogEntry{Level: "loud"}))
	assert.Equal(t, zapcore.DebugLevel, h.level.Level())
}

func TestRuntime_ShutdownCancelsRunAndReturns(t *testing.T) {
	h := newRuntimeHarness(t)
	h.start(t, "s1")

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()

	h.command(ipc.ActionShutdown, "")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	results := h.channel.results()
	require.Len(t, results, 1)
	assert.Equal(t, ipc.ResultCancelled, results[0].Error)
}

func TestRuntime_RunStopsWithContext(t *testing.T) {
	h := newRuntimeHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntime_ReportsStatsPeriodically(t *testing.T) {
	h := newRuntimeHarness(t)
	h.rt.cfg.StatsInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.channel.payloads(ipc.KindDeviceStats)) >= 2
	}, time.Second, 5*time.Millisecond)
}

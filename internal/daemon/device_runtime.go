package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/script"
)

const (
	busyError     = "device already running a script"
	notFoundError = "script not found on device"
)

// Channel is the device side of the IPC transport.
type Channel interface {
	Send(ctx context.Context, msg ipc.Message) error
	Log(level, message, module string) bool
}

var _ Channel = (*ipc.Client)(nil)

// RuntimeConfig holds device runtime configuration.
type RuntimeConfig struct {
	StatsInterval time.Duration // How often DeviceStats are reported
	SendTimeout   time.Duration // Per message on the command lane
	StopGrace     time.Duration // How long shutdown waits for a cancelled run to report
}

// DefaultRuntimeConfig returns default device runtime configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		StatsInterval: 5 * time.Second,
		SendTimeout:   5 * time.Second,
		StopGrace:     5 * time.Second,
	}
}

type activeRun struct {
	scriptID string
	exec     Execution // nil while starting
	cancel   context.CancelFunc
	started  time.Time
	stopped  bool
	done     chan struct{}
}

// DeviceRuntime is the body of a device process. It executes the commands
// the orchestrator sends, one script at a time, and reports every status
// change back over the channel.
type DeviceRuntime struct {
	cfg      RuntimeConfig
	deviceID string
	runner   ScriptRunner
	pm       domain.ProcessManager
	level    zap.AtomicLevel
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	channel Channel
	scripts map[string]ipc.ScriptSpec
	current *activeRun
}

// NewDeviceRuntime creates a runtime for deviceID. level is the atomic level
// behind logger; Logger messages from the orchestrator change it.
func NewDeviceRuntime(
	cfg RuntimeConfig,
	deviceID string,
	runner ScriptRunner,
	pm domain.ProcessManager,
	level zap.AtomicLevel,
	logger *zap.Logger,
) *DeviceRuntime {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceRuntime{
		cfg:      cfg,
		deviceID: deviceID,
		runner:   runner,
		pm:       pm,
		level:    level,
		logger:   logger.With(zap.String("device_id", deviceID)),
		ctx:      ctx,
		cancel:   cancel,
		scripts:  make(map[string]ipc.ScriptSpec),
	}
}

// SetChannel attaches the transport. Messages sent before it is set are dropped.
func (r *DeviceRuntime) SetChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = ch
}

// Run reports stats until ctx is cancelled or the orchestrator asks the
// device to shut down. Shutdown returns nil.
func (r *DeviceRuntime) Run(ctx context.Context) error {
	r.logger.Info("device runtime started", zap.Int("pid", os.Getpid()))

	statsTicker := time.NewTicker(r.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stop()
			return ctx.Err()

		case <-r.ctx.Done():
			r.stop()
			r.logger.Info("device runtime stopped")
			return nil

		case <-statsTicker.C:
			r.send(ipc.NewMessage(r.deviceID, ipc.TypeStatus, r.stats()))
		}
	}
}

// shutdown cancels the current run as stopped and ends Run.
func (r *DeviceRuntime) shutdown() *activeRun {
	r.mu.Lock()
	run := r.current
	if run != nil {
		run.stopped = true
		run.cancel()
	}
	r.mu.Unlock()
	r.cancel()
	return run
}

// stop cancels the current run and waits for it to report.
func (r *DeviceRuntime) stop() {
	run := r.shutdown()
	if run == nil {
		return
	}
	select {
	case <-run.done:
	case <-time.After(r.cfg.StopGrace):
		r.logger.Warn("script did not stop in time", zap.String("script_id", run.scriptID))
	}
}

// HandleMessage is the ipc.Client handler.
func (r *DeviceRuntime) HandleMessage(msg ipc.Message) {
	switch p := msg.Payload.(type) {
	case ipc.Command:
		r.handleCommand(p)
	case ipc.LogEntry:
		r.setLevel(p.Level)
	case ipc.Empty:
	default:
		r.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

func (r *DeviceRuntime) handleCommand(c ipc.Command) {
	r.logger.Debug("command received",
		zap.String("action", string(c.Action)),
		zap.String("script_id", c.ScriptID))

	switch c.Action {
	case ipc.ActionAddScript:
		if c.Script != nil {
			r.mu.Lock()
			r.scripts[c.Script.ID] = *c.Script
			r.mu.Unlock()
		}
	case ipc.ActionRemoveScript:
		r.mu.Lock()
		delete(r.scripts, c.ScriptID)
		r.mu.Unlock()
		r.stopScript(c.ScriptID)
	case ipc.ActionStartScript:
		r.startScript(c)
	case ipc.ActionStopScript:
		r.stopScript(c.ScriptID)
	case ipc.ActionPauseScript:
		r.pauseScript(c.ScriptID, true)
	case ipc.ActionResumeScript:
		r.pauseScript(c.ScriptID, false)
	case ipc.ActionGetStatus:
		r.reportStatus()
	case ipc.ActionShutdown:
		r.logger.Info("shutdown requested")
		r.shutdown()
	default:
		r.logger.Warn("unknown command", zap.String("action", string(c.Action)))
	}
}

func (r *DeviceRuntime) startScript(c ipc.Command) {
	scriptID := c.ScriptID
	if scriptID == "" && c.Script != nil {
		scriptID = c.Script.ID
	}

	r.mu.Lock()
	if c.Script != nil {
		r.scripts[scriptID] = *c.Script
	}
	spec, known := r.scripts[scriptID]
	if r.current != nil {
		holder := r.current.scriptID
		r.mu.Unlock()
		if holder == scriptID {
			r.sendStatus(scriptID, script.StatusRunning, "")
			return
		}
		r.logger.Warn("start refused, device busy",
			zap.String("script_id", scriptID),
			zap.String("running", holder))
		r.sendResult(ipc.ScriptExecutionResult{ScriptID: scriptID, Error: busyError})
		return
	}
	if !known {
		r.mu.Unlock()
		r.sendStatus(scriptID, script.StatusError, notFoundError)
		r.sendResult(ipc.ScriptExecutionResult{ScriptID: scriptID, Error: notFoundError})
		return
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	run := &activeRun{
		scriptID: scriptID,
		cancel:   cancel,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	r.current = run
	r.mu.Unlock()

	exec, err := r.runner.Start(runCtx, spec, func(line string) {
		r.log("info", line, scriptID)
	})
	if err != nil {
		cancel()
		r.finish(run, err)
		return
	}

	r.mu.Lock()
	run.exec = exec
	r.mu.Unlock()

	r.logger.Info("script started", zap.String("script_id", scriptID))
	r.sendStatus(scriptID, script.StatusRunning, "")

	go func() {
		err := exec.Wait()
		cancel()
		r.finish(run, err)
	}()
}

// finish clears the slot and reports the outcome of run.
func (r *DeviceRuntime) finish(run *activeRun, err error) {
	r.mu.Lock()
	if r.current == run {
		r.current = nil
	}
	stopped := run.stopped
	r.mu.Unlock()
	defer close(run.done)

	result := ipc.ScriptExecutionResult{
		ScriptID:   run.scriptID,
		DurationMs: uint64(time.Since(run.started).Milliseconds()),
	}
	status := script.StatusStopped
	switch {
	case stopped:
		result.Error = ipc.ResultCancelled
	case err != nil:
		status = script.StatusError
		result.Error = err.Error()
	default:
		result.Success = true
	}

	r.logger.Info("script finished",
		zap.String("script_id", run.scriptID),
		zap.Bool("success", result.Success),
		zap.Uint64("duration_ms", result.DurationMs),
		zap.String("error", result.Error))

	errText := ""
	if status == script.StatusError {
		errText = result.Error
	}
	r.sendStatus(run.scriptID, status, errText)
	r.sendResult(result)
}

func (r *DeviceRuntime) stopScript(scriptID string) {
	r.mu.Lock()
	run := r.current
	if run == nil || (scriptID != "" && run.scriptID != scriptID) {
		r.mu.Unlock()
		if scriptID != "" {
			r.sendStatus(scriptID, script.StatusStopped, "")
		}
		return
	}
	run.stopped = true
	run.cancel()
	r.mu.Unlock()

	r.logger.Info("script stop requested", zap.String("script_id", run.scriptID))
}

func (r *DeviceRuntime) pauseScript(scriptID string, pause bool) {
	r.mu.Lock()
	run := r.current
	var exec Execution
	if run != nil && run.scriptID == scriptID {
		exec = run.exec
	}
	r.mu.Unlock()

	var err error
	switch {
	case run == nil || run.scriptID != scriptID:
		err = fmt.Errorf("script %s is not running", scriptID)
	case exec == nil:
		err = fmt.Errorf("script %s is still starting", scriptID)
	case pause:
		err = exec.Pause()
	default:
		err = exec.Resume()
	}
	if err != nil {
		r.logger.Warn("pause/resume failed", zap.String("script_id", scriptID), zap.Error(err))
		r.send(ipc.NewMessage(r.deviceID, ipc.TypeError, ipc.ErrorReport{
			Type:    "script",
			Message: err.Error(),
			Details: scriptID,
		}))
		return
	}
	if pause {
		r.sendStatus(scriptID, script.StatusPaused, "")
	} else {
		r.sendStatus(scriptID, script.StatusRunning, "")
	}
}

func (r *DeviceRuntime) reportStatus() {
	stats := r.stats()
	status := domain.DeviceIdle
	if stats.RunningScript != "" {
		status = domain.DeviceRunning
	}
	r.send(ipc.NewMessage(r.deviceID, ipc.TypeStatus, ipc.DeviceStatusUpdate{Status: string(status)}))
	r.send(ipc.NewMessage(r.deviceID, ipc.TypeStatus, stats))
}

func (r *DeviceRuntime) setLevel(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		r.logger.Warn("invalid log level", zap.String("level", level))
		return
	}
	r.level.SetLevel(lvl)
	r.logger.Info("log level changed", zap.String("level", lvl.String()))
}

// Heartbeat samples the device's own usage. It is the ipc.Client heartbeat source.
func (r *DeviceRuntime) Heartbeat() ipc.Heartbeat {
	st := r.sample()
	if st == nil {
		return ipc.Heartbeat{}
	}
	return ipc.Heartbeat{CPUUsage: float32(st.CPUPercent), MemoryUsage: st.MemoryRSS}
}

func (r *DeviceRuntime) stats() ipc.DeviceStats {
	out := ipc.DeviceStats{RunningScript: r.Running()}
	if st := r.sample(); st != nil {
		out.CPUPercent = st.CPUPercent
		out.MemoryMB = st.MemoryRSS / (1024 * 1024)
	}
	return out
}

func (r *DeviceRuntime) sample() *domain.ProcessStats {
	if r.pm == nil {
		return nil
	}
	st, err := r.pm.Stats(r.pm.GetCurrentPID())
	if err != nil {
		r.logger.Debug("failed to sample own usage", zap.Error(err))
		return nil
	}
	return st
}

// Running returns the id of the script being run, or "".
func (r *DeviceRuntime) Running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.scriptID
}

// Scripts returns the number of scripts the device knows about.
func (r *DeviceRuntime) Scripts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scripts)
}

func (r *DeviceRuntime) sendStatus(scriptID string, status script.Status, errText string) {
	r.send(ipc.NewMessage(r.deviceID, ipc.TypeStatus, ipc.ScriptStatusUpdate{
		ScriptID: scriptID,
		Status:   string(status),
		Error:    errText,
	}))
}

func (r *DeviceRuntime) sendResult(res ipc.ScriptExecutionResult) {
	r.send(ipc.NewMessage(r.deviceID, ipc.TypeEvent, res))
}

func (r *DeviceRuntime) send(msg ipc.Message) {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	if err := ch.Send(ctx, msg); err != nil {
		r.logger.Warn("failed to send message",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func (r *DeviceRuntime) log(level, line, module string) {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch != nil {
		ch.Log(level, line, module)
	}
}

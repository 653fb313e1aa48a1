package usecase

import (
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
)

const disconnectedError = "device disconnected"

// HandleMessage applies a message received from a device process. It is
// the ipc.Server handler. Any message counts as a liveness signal.
func (m *DeviceManager) HandleMessage(msg ipc.Message) {
	deviceID := msg.SourceOrTarget
	now := m.now()

	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("message from unknown device",
			zap.String("device_id", deviceID),
			zap.String("type", string(msg.Type)))
		return
	}
	rec.LastSeen = now
	m.mu.Unlock()

	switch p := msg.Payload.(type) {
	case ipc.SocketRegistration:
		m.onRegistration(deviceID, p)
	case ipc.Heartbeat:
		m.onHeartbeat(deviceID, p, now)
	case ipc.ScriptStatusUpdate:
		m.onScriptStatus(deviceID, p)
	case ipc.ScriptExecutionResult:
		m.onResult(deviceID, p)
	case ipc.DeviceStatusUpdate:
		m.onDeviceStatus(deviceID, p)
	case ipc.DeviceStats:
		m.onDeviceStats(deviceID, p, now)
	case ipc.ErrorReport:
		m.onErrorReport(deviceID, p)
	case ipc.LogEntry:
		m.onLog(deviceID, p)
	case ipc.Empty:
	default:
		m.logger.Debug("ignoring message",
			zap.String("device_id", deviceID),
			zap.String("type", string(msg.Type)))
	}

	// After the payload so a starting process sees its registration applied.
	m.processes.RecordHeartbeat(deviceID, now)
}

func (m *DeviceManager) onRegistration(deviceID string, p ipc.SocketRegistration) {
	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok || rec.Status == domain.DeviceStopping {
		m.mu.Unlock()
		return
	}
	rec.PID = int(p.PID)
	switch rec.Status {
	case domain.DeviceInitializing, domain.DeviceOffline, domain.DeviceError:
		rec.Status = domain.DeviceIdle
		rec.LastError = ""
	}
	rec.settle()
	status := rec.Status
	scripts := make([]string, 0, len(rec.scripts))
	for id := range rec.scripts {
		scripts = append(scripts, id)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("device connected",
		zap.String("device_id", deviceID),
		zap.Uint32("pid", p.PID))
	m.publishDevice(deviceID, status, "")

	// A restarted device process starts empty.
	sort.Strings(scripts)
	for _, id := range scripts {
		spec := m.scriptSpec(id)
		if spec == nil {
			continue
		}
		add := ipc.NewMessage(deviceID, ipc.TypeCommand, ipc.Command{Action: ipc.ActionAddScript, ScriptID: id, Script: spec})
		if err := m.sender.Send(deviceID, add); err != nil {
			m.logger.Warn("failed to resend script to device",
				zap.String("device_id", deviceID),
				zap.String("script_id", id),
				zap.Error(err))
		}
	}
}

func (m *DeviceManager) onHeartbeat(deviceID string, p ipc.Heartbeat, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.devices[deviceID]; ok {
		rec.Stats = DeviceStats{
			CPUPercent: float64(p.CPUUsage),
			MemoryMB:   p.MemoryUsage / (1024 * 1024),
			SampledAt:  now,
		}
	}
}

func (m *DeviceManager) onScriptStatus(deviceID string, p ipc.ScriptStatusUpdate) {
	status := script.Status(p.Status)

	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if status == script.StatusRunning || status == script.StatusPaused {
		switch rec.RunningScript {
		case p.ScriptID:
		case "":
			// A run the device started on its own still takes the slot.
			rec.RunningScript = p.ScriptID
			rec.scriptStarted = m.now()
		default:
			holder := rec.RunningScript
			m.mu.Unlock()
			m.logger.Warn("device reports a second running script",
				zap.String("device_id", deviceID),
				zap.String("script_id", p.ScriptID),
				zap.String("running", holder))
			return
		}
		rec.settle()
	}
	m.setScriptLocked(p.ScriptID, deviceID, status, p.Error)
	m.mu.Unlock()

	m.mirrorStatus(p.ScriptID, status, p.Error)
	m.logger.Debug("script status",
		zap.String("device_id", deviceID),
		zap.String("script_id", p.ScriptID),
		zap.String("status", p.Status))
	m.publishScript(domain.EventScriptStatus, deviceID, p.ScriptID, status, nil)
}

// onResult frees the device slot and reports the run to the scheduler.
func (m *DeviceManager) onResult(deviceID string, p ipc.ScriptExecutionResult) {
	status := script.StatusStopped
	result := script.ResultSuccess
	switch {
	case p.Success:
	case p.Error == ipc.ResultCancelled:
		result = script.ResultCancelled
	default:
		status = script.StatusError
		result = script.ResultFailed
	}

	m.mu.Lock()
	if rec, ok := m.devices[deviceID]; ok && rec.RunningScript == p.ScriptID {
		rec.RunningScript = ""
		rec.settle()
	}
	m.setScriptLocked(p.ScriptID, deviceID, status, p.Error)
	m.mu.Unlock()

	m.logger.Info("script finished",
		zap.String("device_id", deviceID),
		zap.String("script_id", p.ScriptID),
		zap.Bool("success", p.Success),
		zap.Uint64("duration_ms", p.DurationMs),
		zap.String("error", p.Error))

	if m.scheduler != nil {
		m.scheduler.CompleteScript(scheduler.Completion{
			ScriptID: p.ScriptID,
			DeviceID: deviceID,
			Success:  p.Success,
			Elapsed:  time.Duration(p.DurationMs) * time.Millisecond,
			Error:    p.Error,
			Result:   result,
		})
	}
	m.publishScript(domain.EventScriptResult, deviceID, p.ScriptID, status, p)
}

func (m *DeviceManager) onDeviceStatus(deviceID string, p ipc.DeviceStatusUpdate) {
	reported := domain.DeviceStatus(p.Status)

	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok || rec.Status == domain.DeviceStopping {
		m.mu.Unlock()
		return
	}
	switch reported {
	case domain.DeviceIdle, domain.DeviceRunning:
		rec.Status = domain.DeviceIdle
		rec.LastError = ""
		rec.settle()
	case domain.DeviceError:
		rec.Status = domain.DeviceError
		rec.LastError = p.Message
	case domain.DeviceInitializing, domain.DeviceStopping:
		rec.Status = reported
	default:
		m.mu.Unlock()
		m.logger.Warn("unknown device status",
			zap.String("device_id", deviceID),
			zap.String("status", p.Status))
		return
	}
	status := rec.Status
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.publishDevice(deviceID, status, p.Message)
}

func (m *DeviceManager) onDeviceStats(deviceID string, p ipc.DeviceStats, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	if !ok {
		return
	}
	rec.Stats = DeviceStats{
		CPUPercent: p.CPUPercent,
		MemoryMB:   p.MemoryMB,
		SampledAt:  now,
	}
	if p.RunningScript != rec.RunningScript {
		m.logger.Debug("device stats disagree on running script",
			zap.String("device_id", deviceID),
			zap.String("reported", p.RunningScript),
			zap.String("slot", rec.RunningScript))
	}
}

func (m *DeviceManager) onErrorReport(deviceID string, p ipc.ErrorReport) {
	m.mu.Lock()
	if rec, ok := m.devices[deviceID]; ok {
		rec.LastError = p.Message
	}
	m.mu.Unlock()

	m.logger.Warn("device reported error",
		zap.String("device_id", deviceID),
		zap.String("type", p.Type),
		zap.Uint32("code", p.Code),
		zap.String("message", p.Message),
		zap.String("details", p.Details))
	m.publish(domain.Event{
		Type:     domain.EventDeviceStatus,
		DeviceID: deviceID,
		Payload:  p,
	})
}

// onLog re-emits a device log line through the orchestrator's logger.
func (m *DeviceManager) onLog(deviceID string, p ipc.LogEntry) {
	level, err := zapcore.ParseLevel(p.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if level > zapcore.ErrorLevel {
		level = zapcore.ErrorLevel // never panic or exit on a device's behalf
	}
	if ce := m.logger.Check(level, p.Message); ce != nil {
		ce.Write(
			zap.String("device_id", deviceID),
			zap.String("module", p.Module))
	}
	m.publish(domain.Event{
		Type:     domain.EventDeviceLog,
		DeviceID: deviceID,
		Payload:  p,
	})
}

// HandleDisconnect marks a device Offline and fails its running script.
// It is the ipc.Server disconnect handler.
func (m *DeviceManager) HandleDisconnect(deviceID string) {
	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok || rec.Status == domain.DeviceStopping {
		m.mu.Unlock()
		return
	}
	running := rec.RunningScript
	elapsed := time.Duration(0)
	if running != "" {
		elapsed = m.now().Sub(rec.scriptStarted)
		m.setScriptLocked(running, deviceID, script.StatusError, disconnectedError)
	}
	rec.RunningScript = ""
	rec.Status = domain.DeviceOffline
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Warn("device disconnected",
		zap.String("device_id", deviceID),
		zap.String("running_script", running))
	m.publishDevice(deviceID, domain.DeviceOffline, "")

	if running == "" {
		return
	}
	if m.scheduler != nil {
		m.scheduler.CompleteScript(scheduler.Completion{
			ScriptID: running,
			DeviceID: deviceID,
			Success:  false,
			Elapsed:  elapsed,
			Error:    disconnectedError,
		})
	}
	m.publishScript(domain.EventScriptStatus, deviceID, running, script.StatusError, nil)
}

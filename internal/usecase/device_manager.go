package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/metrics"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
)

const tracerName = "github.com/eliteGoblin/devorch/internal/usecase"

// Sender delivers messages to connected device processes.
// Implementation: ipc.Server.
type Sender interface {
	Send(deviceID string, msg ipc.Message) error
}

// ProcessConfigBuilder returns the launch config of a device process.
type ProcessConfigBuilder func(spec DeviceSpec, coreCount int) process.Config

// Config bounds the device pool.
type Config struct {
	MaxDevices     int
	CoresPerDevice int
}

// DefaultConfig returns eight devices of two cores each.
func DefaultConfig() Config {
	return Config{
		MaxDevices:     8,
		CoresPerDevice: 2,
	}
}

// DeviceManager binds scripts to devices and keeps at most one script
// running per device.
type DeviceManager struct {
	mu       sync.RWMutex
	devices  map[string]*deviceRecord
	assigned map[string]string // script id -> device id
	statuses map[string]ScriptState

	cfg       Config
	processes *process.Manager
	scheduler *scheduler.Scheduler
	sender    Sender
	events    domain.EventPublisher
	build     ProcessConfigBuilder
	logger    *zap.Logger
	now       func() time.Time
}

var _ scheduler.Dispatcher = (*DeviceManager)(nil)

// NewDeviceManager creates a device manager. sched may be nil, in which case
// results are not reported anywhere but events.
func NewDeviceManager(
	cfg Config,
	processes *process.Manager,
	sched *scheduler.Scheduler,
	sender Sender,
	build ProcessConfigBuilder,
	logger *zap.Logger,
) *DeviceManager {
	return &DeviceManager{
		devices:   make(map[string]*deviceRecord),
		assigned:  make(map[string]string),
		statuses:  make(map[string]ScriptState),
		cfg:       cfg,
		processes: processes,
		scheduler: sched,
		sender:    sender,
		build:     build,
		logger:    logger,
		now:       time.Now,
	}
}

// SetEventPublisher sets where status changes go. Call before serving.
func (m *DeviceManager) SetEventPublisher(p domain.EventPublisher) {
	m.events = p
}

// RegisterDevice starts a device process on freshly allocated cores and
// waits until it is alive. The device turns Idle once its IPC registration
// arrives. On failure nothing of the device is left behind.
func (m *DeviceManager) RegisterDevice(ctx context.Context, spec DeviceSpec) (Device, error) {
	if spec.ID == "" {
		return Device{}, errors.New("device id must not be empty")
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	cores := spec.CoreCount
	if cores <= 0 {
		cores = m.cfg.CoresPerDevice
	}
	processID := "device-" + spec.ID

	m.mu.Lock()
	if _, exists := m.devices[spec.ID]; exists {
		m.mu.Unlock()
		return Device{}, fmt.Errorf("%s: %w", spec.ID, ErrDeviceExists)
	}
	if m.cfg.MaxDevices > 0 && len(m.devices) >= m.cfg.MaxDevices {
		m.mu.Unlock()
		return Device{}, fmt.Errorf("cannot register %s: %w (%d)", spec.ID, ErrDeviceLimit, m.cfg.MaxDevices)
	}
	m.devices[spec.ID] = &deviceRecord{
		Device: Device{
			ID:        spec.ID,
			Name:      spec.Name,
			Status:    domain.DeviceInitializing,
			ProcessID: processID,
		},
		scripts: make(map[string]struct{}),
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	pcfg := m.build(spec, cores)
	pcfg.ProcessID = processID
	pcfg.DeviceID = spec.ID
	pcfg.CoreCount = cores

	if _, err := m.processes.Create(pcfg); err != nil {
		m.forget(spec.ID)
		return Device{}, fmt.Errorf("failed to create process for device %s: %w", spec.ID, err)
	}
	if err := m.processes.Start(ctx, processID); err != nil {
		if rerr := m.processes.Remove(context.Background(), processID); rerr != nil {
			m.logger.Warn("failed to remove process after failed start",
				zap.String("device_id", spec.ID),
				zap.Error(rerr))
		}
		m.forget(spec.ID)
		return Device{}, fmt.Errorf("failed to start device %s: %w", spec.ID, err)
	}

	h, herr := m.processes.Get(processID)

	m.mu.Lock()
	rec, ok := m.devices[spec.ID]
	if !ok {
		m.mu.Unlock()
		return Device{}, fmt.Errorf("%s was unregistered during startup: %w", spec.ID, ErrDeviceNotFound)
	}
	if herr == nil {
		rec.PID = h.PID
		rec.Cores = h.Cores
	}
	dev := rec.snapshot()
	m.mu.Unlock()

	m.logger.Info("device registered",
		zap.String("device_id", dev.ID),
		zap.Int("pid", dev.PID),
		zap.Ints("cores", dev.Cores),
		zap.String("status", string(dev.Status)))
	m.publishDevice(dev.ID, dev.Status, "")
	return dev, nil
}

func (m *DeviceManager) forget(deviceID string) {
	m.mu.Lock()
	delete(m.devices, deviceID)
	m.updateGaugesLocked()
	m.mu.Unlock()
}

// UnregisterDevice stops the device's running script and its process,
// releases its cores and unassigns its scripts.
func (m *DeviceManager) UnregisterDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	rec, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	running := rec.RunningScript
	processID := rec.ProcessID
	rec.Status = domain.DeviceStopping
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.publishDevice(deviceID, domain.DeviceStopping, "")

	if running != "" {
		if err := m.cancelScript(ctx, running); err != nil {
			m.logger.Warn("failed to stop script before unregister",
				zap.String("device_id", deviceID),
				zap.String("script_id", running),
				zap.Error(err))
		}
	}

	if err := m.sender.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionShutdown, "")); err != nil {
		m.logger.Debug("shutdown command not delivered", zap.String("device_id", deviceID), zap.Error(err))
	}
	if err := m.processes.Remove(ctx, processID); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
		m.logger.Warn("failed to remove device process", zap.String("device_id", deviceID), zap.Error(err))
	}

	m.mu.Lock()
	if rec, ok := m.devices[deviceID]; ok {
		for id := range rec.scripts {
			if m.assigned[id] == deviceID {
				delete(m.assigned, id)
			}
			if st, ok := m.statuses[id]; ok {
				st.DeviceID = ""
				if st.Status.Busy() {
					st.Status = script.StatusStopped
				}
				st.UpdatedAt = m.now()
				m.statuses[id] = st
			}
		}
	}
	delete(m.devices, deviceID)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("device unregistered", zap.String("device_id", deviceID))
	m.publishDevice(deviceID, domain.DeviceOffline, "")
	return nil
}

// AssignScript binds scriptID to deviceID. A device busy with another script
// is refused unless replaceCurrent, which stops the current script first.
func (m *DeviceManager) AssignScript(ctx context.Context, scriptID, deviceID string, replaceCurrent bool) error {
	m.mu.RLock()
	rec, ok := m.devices[deviceID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	if !rec.Status.IsOnline() {
		status := rec.Status
		m.mu.RUnlock()
		return fmt.Errorf("cannot assign %s: device %s is %s: %w", scriptID, deviceID, status, ErrDeviceOffline)
	}
	if prev, ok := m.assigned[scriptID]; ok && prev != deviceID {
		if p := m.devices[prev]; p != nil && p.RunningScript == scriptID {
			m.mu.RUnlock()
			return fmt.Errorf("%s is running on %s: %w", scriptID, prev, script.ErrBusy)
		}
	}
	current := rec.RunningScript
	m.mu.RUnlock()

	if current != "" && current != scriptID {
		if !replaceCurrent {
			return fmt.Errorf("cannot assign %s: device %s is running %s: %w", scriptID, deviceID, current, ErrDeviceBusy)
		}
		if err := m.cancelScript(ctx, current); err != nil {
			return fmt.Errorf("failed to stop %s before assigning %s: %w", current, scriptID, err)
		}
	}

	m.mu.Lock()
	rec, ok = m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	if prev, ok := m.assigned[scriptID]; ok && prev != deviceID {
		if p := m.devices[prev]; p != nil {
			delete(p.scripts, scriptID)
		}
	}
	rec.scripts[scriptID] = struct{}{}
	m.assigned[scriptID] = deviceID
	st := m.statuses[scriptID]
	st.ScriptID = scriptID
	st.DeviceID = deviceID
	if st.Status == "" {
		st.Status = script.StatusStopped
	}
	st.UpdatedAt = m.now()
	m.statuses[scriptID] = st
	m.mu.Unlock()

	if spec := m.scriptSpec(scriptID); spec != nil {
		add := ipc.NewMessage(deviceID, ipc.TypeCommand, ipc.Command{Action: ipc.ActionAddScript, ScriptID: scriptID, Script: spec})
		if err := m.sender.Send(deviceID, add); err != nil {
			m.logger.Warn("failed to send script to device",
				zap.String("device_id", deviceID),
				zap.String("script_id", scriptID),
				zap.Error(err))
		}
	}

	m.logger.Info("script assigned",
		zap.String("script_id", scriptID),
		zap.String("device_id", deviceID))
	return nil
}

// UnassignScript removes scriptID from its device. A running script is
// refused.
func (m *DeviceManager) UnassignScript(scriptID string) error {
	m.mu.Lock()
	deviceID, ok := m.assigned[scriptID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotAssigned)
	}
	if rec := m.devices[deviceID]; rec != nil {
		if rec.RunningScript == scriptID {
			m.mu.Unlock()
			return fmt.Errorf("%s is running on %s: %w", scriptID, deviceID, script.ErrBusy)
		}
		delete(rec.scripts, scriptID)
	}
	delete(m.assigned, scriptID)
	delete(m.statuses, scriptID)
	m.mu.Unlock()

	if err := m.sender.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionRemoveScript, scriptID)); err != nil {
		m.logger.Debug("remove command not delivered", zap.String("device_id", deviceID), zap.Error(err))
	}
	return nil
}

// DispatchScript implements scheduler.Dispatcher.
func (m *DeviceManager) DispatchScript(ctx context.Context, scriptID string) error {
	return m.StartScript(ctx, scriptID)
}

// StartScript sends a start command to the device owning scriptID. The
// device must be online and idle. Running is confirmed later by the device.
func (m *DeviceManager) StartScript(ctx context.Context, scriptID string) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.start_script",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("script.id", scriptID))

	deviceID, err := m.reserveSlot(scriptID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("device.id", deviceID))

	cmd := ipc.NewMessage(deviceID, ipc.TypeCommand, ipc.Command{
		Action:   ipc.ActionStartScript,
		ScriptID: scriptID,
		Script:   m.scriptSpec(scriptID),
	})
	if err := m.sender.Send(deviceID, cmd); err != nil {
		m.releaseSlot(deviceID, scriptID, script.StatusError, err.Error())
		err = fmt.Errorf("failed to send start of %s to %s: %w", scriptID, deviceID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.mirrorStatus(scriptID, script.StatusStarting, "")
	m.logger.Info("script start requested",
		zap.String("script_id", scriptID),
		zap.String("device_id", deviceID))
	m.publishScript(domain.EventScriptStatus, deviceID, scriptID, script.StatusStarting, nil)
	return nil
}

// reserveSlot claims the device's running slot for scriptID.
func (m *DeviceManager) reserveSlot(scriptID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceID, ok := m.assigned[scriptID]
	if !ok {
		return "", fmt.Errorf("%s: %w", scriptID, ErrScriptNotAssigned)
	}
	rec, ok := m.devices[deviceID]
	if !ok {
		return "", fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	if !rec.Status.IsOnline() {
		return "", fmt.Errorf("cannot start %s: device %s is %s: %w", scriptID, deviceID, rec.Status, ErrDeviceOffline)
	}
	if rec.RunningScript != "" {
		return "", fmt.Errorf("cannot start %s: device %s is running %s: %w", scriptID, deviceID, rec.RunningScript, ErrDeviceBusy)
	}
	rec.RunningScript = scriptID
	rec.scriptStarted = m.now()
	rec.settle()
	m.setScriptLocked(scriptID, deviceID, script.StatusStarting, "")
	return deviceID, nil
}

// releaseSlot frees the running slot if scriptID holds it.
func (m *DeviceManager) releaseSlot(deviceID, scriptID string, status script.Status, msg string) {
	m.mu.Lock()
	if rec := m.devices[deviceID]; rec != nil && rec.RunningScript == scriptID {
		rec.RunningScript = ""
		rec.settle()
	}
	m.setScriptLocked(scriptID, deviceID, status, msg)
	m.mu.Unlock()
	m.mirrorStatus(scriptID, status, msg)
}

// StopScript asks the device running scriptID to stop it. A script that is
// not running is left alone. When the device cannot be reached the slot is
// freed here.
func (m *DeviceManager) StopScript(ctx context.Context, scriptID string) error {
	m.mu.Lock()
	deviceID, ok := m.assigned[scriptID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotAssigned)
	}
	rec := m.devices[deviceID]
	if rec == nil || rec.RunningScript != scriptID {
		m.mu.Unlock()
		return nil
	}
	m.setScriptLocked(scriptID, deviceID, script.StatusStopping, "")
	m.mu.Unlock()

	if err := m.sender.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionStopScript, scriptID)); err != nil {
		m.releaseSlot(deviceID, scriptID, script.StatusStopped, "")
		return fmt.Errorf("failed to send stop of %s to %s: %w", scriptID, deviceID, err)
	}
	m.mirrorStatus(scriptID, script.StatusStopping, "")
	m.publishScript(domain.EventScriptStatus, deviceID, scriptID, script.StatusStopping, nil)
	return nil
}

// cancelScript stops scriptID through the scheduler when it knows the script
// so its queued tasks go too.
func (m *DeviceManager) cancelScript(ctx context.Context, scriptID string) error {
	if m.scheduler != nil {
		if _, ok := m.scheduler.ScriptStatus(scriptID); ok {
			return m.scheduler.StopScript(ctx, scriptID)
		}
	}
	return m.StopScript(ctx, scriptID)
}

// PauseScript forwards a pause command for a running script.
func (m *DeviceManager) PauseScript(ctx context.Context, scriptID string) error {
	return m.forward(scriptID, ipc.ActionPauseScript)
}

// ResumeScript forwards a resume command for a paused script.
func (m *DeviceManager) ResumeScript(ctx context.Context, scriptID string) error {
	return m.forward(scriptID, ipc.ActionResumeScript)
}

func (m *DeviceManager) forward(scriptID string, action ipc.CommandAction) error {
	m.mu.RLock()
	deviceID, assigned := m.assigned[scriptID]
	rec := m.devices[deviceID]
	running := rec != nil && rec.RunningScript == scriptID
	m.mu.RUnlock()

	if !assigned {
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotAssigned)
	}
	if !running {
		return fmt.Errorf("%s: %w", scriptID, ErrScriptNotRunning)
	}
	if err := m.sender.Send(deviceID, ipc.NewCommand(deviceID, action, scriptID)); err != nil {
		return fmt.Errorf("failed to send %s of %s to %s: %w", action, scriptID, deviceID, err)
	}
	return nil
}

// RequestStatus asks a device to report its status.
func (m *DeviceManager) RequestStatus(deviceID string) error {
	return m.sender.Send(deviceID, ipc.NewCommand(deviceID, ipc.ActionGetStatus, ""))
}

// SetDeviceLogLevel changes the log level of a device process.
func (m *DeviceManager) SetDeviceLogLevel(deviceID, level string) error {
	return m.sender.Send(deviceID, ipc.NewMessage(deviceID, ipc.TypeLogger, ipc.LogEntry{Level: level}))
}

// GetScriptStatus returns where scriptID is assigned and its status.
func (m *DeviceManager) GetScriptStatus(scriptID string) (ScriptState, error) {
	m.mu.RLock()
	st, ok := m.statuses[scriptID]
	m.mu.RUnlock()

	if m.scheduler != nil {
		if s, known := m.scheduler.ScriptStatus(scriptID); known {
			st.ScriptID = scriptID
			st.Status = s
			return st, nil
		}
	}
	if !ok {
		return ScriptState{}, fmt.Errorf("%s: %w", scriptID, script.ErrScriptNotFound)
	}
	return st, nil
}

// GetDevice returns a snapshot of one device.
func (m *DeviceManager) GetDevice(deviceID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	return rec.snapshot(), nil
}

// GetAllDeviceStatus returns every device ordered by id.
func (m *DeviceManager) GetAllDeviceStatus() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the pool.
func (m *DeviceManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		TotalDevices: len(m.devices),
		TotalScripts: len(m.assigned),
	}
	for _, rec := range m.devices {
		if rec.Status.IsOnline() {
			st.OnlineDevices++
		}
		if rec.RunningScript != "" {
			st.RunningDevices++
		}
	}
	if st.TotalDevices > 0 {
		st.LoadPercent = float64(st.RunningDevices) / float64(st.TotalDevices) * 100
	}
	return st
}

// Shutdown unregisters every device.
func (m *DeviceManager) Shutdown(ctx context.Context) {
	for _, d := range m.GetAllDeviceStatus() {
		if err := m.UnregisterDevice(ctx, d.ID); err != nil {
			m.logger.Warn("failed to unregister device during shutdown", zap.String("device_id", d.ID), zap.Error(err))
		}
	}
}

func (m *DeviceManager) setScriptLocked(scriptID, deviceID string, status script.Status, msg string) {
	st := ScriptState{
		ScriptID:  scriptID,
		DeviceID:  deviceID,
		Status:    status,
		UpdatedAt: m.now(),
	}
	if status == script.StatusError {
		st.Error = msg
	}
	m.statuses[scriptID] = st
}

func (m *DeviceManager) mirrorStatus(scriptID string, status script.Status, msg string) {
	if m.scheduler == nil {
		return
	}
	_ = m.scheduler.SetScriptStatus(scriptID, status, msg)
}

func (m *DeviceManager) scriptSpec(scriptID string) *ipc.ScriptSpec {
	if m.scheduler == nil {
		return nil
	}
	info, ok := m.scheduler.Scripts().Get(scriptID)
	if !ok {
		return nil
	}
	return &ipc.ScriptSpec{
		ID:             info.ID,
		Name:           info.Name,
		Path:           info.Path,
		TimeoutSeconds: info.Config.TimeoutSeconds,
		Parameters:     info.Config.Parameters,
	}
}

func (m *DeviceManager) updateGaugesLocked() {
	online := 0
	for _, rec := range m.devices {
		if rec.Status.IsOnline() {
			online++
		}
	}
	metrics.DevicesTotal.Set(float64(len(m.devices)))
	metrics.DevicesOnline.Set(float64(online))
}

func (m *DeviceManager) publish(ev domain.Event) {
	if m.events == nil {
		return
	}
	ev.Timestamp = m.now()
	if err := m.events.Publish(context.Background(), ev); err != nil {
		m.logger.Debug("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (m *DeviceManager) publishDevice(deviceID string, status domain.DeviceStatus, msg string) {
	var payload any
	if msg != "" {
		payload = map[string]string{"message": msg}
	}
	m.publish(domain.Event{
		Type:     domain.EventDeviceStatus,
		DeviceID: deviceID,
		Status:   string(status),
		Payload:  payload,
	})
}

func (m *DeviceManager) publishScript(typ domain.EventType, deviceID, scriptID string, status script.Status, payload any) {
	m.publish(domain.Event{
		Type:     typ,
		DeviceID: deviceID,
		ScriptID: scriptID,
		Status:   string(status),
		Payload:  payload,
	})
}

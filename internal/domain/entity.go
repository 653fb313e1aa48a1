// Package domain contains core business entities and interfaces shared by the
// orchestrator packages. It has no dependencies outside the standard library.
package domain

import "time"

// DeviceStatus is the coarse state of a device process as seen by the orchestrator.
type DeviceStatus string

const (
	DeviceOffline      DeviceStatus = "offline"
	DeviceIdle         DeviceStatus = "idle"
	DeviceRunning      DeviceStatus = "running"
	DeviceError        DeviceStatus = "error"
	DeviceInitializing DeviceStatus = "initializing"
	DeviceStopping     DeviceStatus = "stopping"
)

// IsOnline reports whether the device can accept commands.
func (s DeviceStatus) IsOnline() bool {
	return s == DeviceIdle || s == DeviceRunning
}

// ProcessStats is a point-in-time resource sample of an OS process.
type ProcessStats struct {
	PID        int
	CPUPercent float64
	MemoryRSS  uint64 // bytes
	NumThreads int32
	SampledAt  time.Time
}

// ExecutionRecord is the terminal outcome of one script run on a device.
type ExecutionRecord struct {
	ScriptID   string
	DeviceID   string
	Success    bool
	DurationMs int64
	Error      string
	FinishedAt time.Time
}

// DeviceState is the persisted view of a spawned device process.
// It lets a restarted orchestrator find processes left behind by a previous run.
type DeviceState struct {
	DeviceID      string
	PID           int
	Cores         []int
	Status        DeviceStatus
	LastHeartbeat int64 // unix seconds
}

// EventType names a status-change event published to UI subscribers.
type EventType string

const (
	EventDeviceStatus EventType = "device.status"
	EventScriptStatus EventType = "script.status"
	EventScriptResult EventType = "script.result"
	EventDeviceLog    EventType = "device.log"
)

// Event is a status change emitted by the orchestrator.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	ScriptID  string    `json:"script_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Terminate asks a process to exit (SIGTERM).
	Terminate(pid int) error

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// Suspend stops a process from being scheduled (SIGSTOP).
	Suspend(pid int) error

	// Resume continues a suspended process (SIGCONT).
	Resume(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Stats samples CPU and memory usage of a process.
	Stats(pid int) (*ProcessStats, error)

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// HistoryStore persists script execution outcomes and device process state.
// Implementation: SQLCipher encrypted SQLite database.
type HistoryStore interface {
	// RecordExecution appends a terminal script outcome.
	RecordExecution(rec ExecutionRecord) error

	// RecentExecutions returns the newest records first. An empty deviceID
	// matches every device.
	RecentExecutions(deviceID string, limit int) ([]ExecutionRecord, error)

	// SaveDeviceState upserts the state of one device process.
	SaveDeviceState(state DeviceState) error

	// DeviceStates returns every recorded device process.
	DeviceStates() ([]DeviceState, error)

	// RemoveDeviceState forgets a device process.
	RemoveDeviceState(deviceID string) error

	// ClearDeviceStates forgets every device process.
	ClearDeviceStates() error

	// Close releases the underlying database.
	Close() error
}

// EventPublisher delivers status-change events to subscribers (UI, other services).
type EventPublisher interface {
	// Publish sends an event. Implementations must not block on slow subscribers.
	Publish(ctx context.Context, event Event) error
}

// KeyProvider abstracts encryption key storage for the history database.
// Implementation: FileKeyProvider stores a base64 key with 0600 permissions.
type KeyProvider interface {
	// GetKey returns the 32-byte encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}

package process

import "time"

// Handle is the runtime record of a managed process. Values returned to
// callers are snapshots.
type Handle struct {
	ProcessID     string
	DeviceID      string
	PID           int // Zero unless the OS process is alive
	State         State
	Cores         []int
	RestartCount  int
	LastError     string
	LastHeartbeat time.Time
	StartedAt     time.Time
	StoppedAt     time.Time
	ExitCode      *int
	Exited        bool // Ended on its own rather than through Stop
}

// Runtime returns how long the process has been up.
func (h Handle) Runtime(now time.Time) time.Duration {
	if h.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(h.StartedAt)
}

// HeartbeatAge returns the time since the last heartbeat, falling back to the
// start time when no heartbeat has arrived yet.
func (h Handle) HeartbeatAge(now time.Time) time.Duration {
	if !h.LastHeartbeat.IsZero() {
		return now.Sub(h.LastHeartbeat)
	}
	return h.Runtime(now)
}

func (h Handle) snapshot() Handle {
	h.Cores = append([]int(nil), h.Cores...)
	if h.ExitCode != nil {
		code := *h.ExitCode
		h.ExitCode = &code
	}
	return h
}

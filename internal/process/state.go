// Package process launches device processes pinned to CPU cores and manages
// their lifecycle: start, stop, restart, pause, resume and health.
package process

// State is the lifecycle state of a managed process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateCrashed  State = "crashed"
)

var validTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StatePaused, StateStopping, StateFailed, StateCrashed},
	StatePaused:   {StateRunning, StateStopping},
	StateStopping: {StateStopped, StateFailed},
}

// CanTransition reports whether from -> to is allowed. Same-state moves are
// accepted as no-ops.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsAlive reports whether an OS process is expected to exist in this state.
func (s State) IsAlive() bool {
	switch s {
	case StateStarting, StateRunning, StatePaused, StateStopping:
		return true
	default:
		return false
	}
}

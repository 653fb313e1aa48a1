package process

import (
	"errors"
	"fmt"
)

// Process error kinds.
var (
	ErrStartup              = errors.New("process startup failed")
	ErrProcessNotFound      = errors.New("process not found")
	ErrProcessAlreadyExists = errors.New("process already exists")
	ErrTermination          = errors.New("process termination failed")
	ErrCommunication        = errors.New("process communication failed")
	ErrPermission           = errors.New("permission denied")
	ErrResource             = errors.New("insufficient resources")
)

// Lifecycle error kinds.
var (
	ErrStartupTimeout         = errors.New("startup timeout")
	ErrShutdownTimeout        = errors.New("shutdown timeout")
	ErrInvalidConfig          = errors.New("invalid process config")
	ErrCleanupFailed          = errors.New("cleanup failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRestartNotAllowed      = errors.New("restart policy refused restart")
)

// ProcessError is a failure talking to or controlling an OS process.
type ProcessError struct {
	Kind      error
	ProcessID string
	Err       error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.ProcessID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.ProcessID, e.Kind)
}

func (e *ProcessError) Is(target error) bool { return e.Kind == target }

func (e *ProcessError) Unwrap() error { return e.Err }

// LifecycleError is a failure of the state machine itself.
type LifecycleError struct {
	Kind      error
	ProcessID string
	From, To  State
	Err       error
}

func (e *LifecycleError) Error() string {
	switch {
	case e.Kind == ErrInvalidStateTransition:
		return fmt.Sprintf("%s: invalid state transition %s -> %s", e.ProcessID, e.From, e.To)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.ProcessID, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.ProcessID, e.Kind)
	}
}

func (e *LifecycleError) Is(target error) bool { return e.Kind == target }

func (e *LifecycleError) Unwrap() error { return e.Err }

// ConfigError is a single validation failure of a Config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidConfig       = errors.New("invalid scheduler config")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrInvalidStatus       = errors.New("invalid scheduler status change")
)

// Status is the scheduler state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Config tunes the scheduler.
type Config struct {
	MaxConcurrentTasks  int           `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	CheckInterval       time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	EnableAutoRetry     bool          `mapstructure:"enable_auto_retry" yaml:"enable_auto_retry"`
	DefaultRetryCount   uint32        `mapstructure:"default_retry_count" yaml:"default_retry_count"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	EnableIdleDetection bool          `mapstructure:"enable_idle_detection" yaml:"enable_idle_detection"`
	IdleThreshold       time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  4,
		CheckInterval:       30 * time.Second,
		TaskTimeout:         300 * time.Second,
		EnableAutoRetry:     true,
		DefaultRetryCount:   3,
		EnableIdleDetection: true,
		IdleThreshold:       300 * time.Second,
	}
}

// Stats are scheduler-wide counters.
type Stats struct {
	StartedAt              time.Time
	TotalScheduledTasks    uint64
	SuccessfulTasks        uint64
	FailedTasks            uint64
	AverageExecutionTimeMs uint64
	Uptime                 time.Duration
}

// State holds the scheduler status, counters and activity clock.
type State struct {
	mu           sync.RWMutex
	status       Status
	errMsg       string
	cfg          Config
	stats        Stats
	lastActivity time.Time
}

// NewState creates a stopped state.
func NewState(cfg Config) *State {
	return &State{status: StatusStopped, cfg: cfg, lastActivity: time.Now()}
}

// Initialize validates the config and leaves the state Stopped.
func (s *State) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusInitializing
	if s.cfg.MaxConcurrentTasks <= 0 {
		s.status = StatusError
		s.errMsg = "max concurrent tasks must be positive"
		return fmt.Errorf("%w: %s", ErrInvalidConfig, s.errMsg)
	}
	if s.cfg.CheckInterval <= 0 {
		s.status = StatusError
		s.errMsg = "check interval must be positive"
		return fmt.Errorf("%w: %s", ErrInvalidConfig, s.errMsg)
	}
	s.status = StatusStopped
	return nil
}

// Start moves Stopped or Paused to Running. Starting a running scheduler is a no-op.
func (s *State) Start(now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning:
		return false, nil
	case StatusStopped, StatusPaused:
		if s.status == StatusStopped {
			s.stats.StartedAt = now
		}
		s.status = StatusRunning
		return true, nil
	default:
		return false, fmt.Errorf("%w: cannot start from %s", ErrInvalidStatus, s.status)
	}
}

// Pause moves Running to Paused.
func (s *State) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidStatus, s.status)
	}
	s.status = StatusPaused
	return nil
}

// Stop moves any status to Stopped and records uptime.
func (s *State) Stop(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusStopped
	if !s.stats.StartedAt.IsZero() {
		s.stats.Uptime = now.Sub(s.stats.StartedAt)
	}
}

// Status returns the status and, for StatusError, its message.
func (s *State) Status() (Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.errMsg
}

// Config returns the config.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// RecordScheduled counts an enqueued task.
func (s *State) RecordScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalScheduledTasks++
}

// RecordCompletion folds a finished task into the counters.
func (s *State) RecordCompletion(success bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.stats.SuccessfulTasks++
	} else {
		s.stats.FailedTasks++
	}
	total := s.stats.SuccessfulTasks + s.stats.FailedTasks
	ms := uint64(elapsed.Milliseconds())
	s.stats.AverageExecutionTimeMs = (s.stats.AverageExecutionTimeMs*(total-1) + ms) / total
}

// Stats returns a copy of the counters with uptime measured at now.
func (s *State) Stats(now time.Time) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	if s.status == StatusRunning && !st.StartedAt.IsZero() {
		st.Uptime = now.Sub(st.StartedAt)
	}
	return st
}

// Touch records activity at now.
func (s *State) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// IsIdle reports whether no activity happened within the idle threshold.
// Always false when idle detection is disabled.
func (s *State) IsIdle(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cfg.EnableIdleDetection {
		return false
	}
	return now.Sub(s.lastActivity) >= s.cfg.IdleThreshold
}

// Package script models automation scripts: metadata, schedule window,
// resource needs and execution statistics.
package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrScriptExists   = errors.New("script already registered")
	ErrScriptNotFound = errors.New("script not found")
	ErrDisabled       = errors.New("script is disabled")
	ErrBusy           = errors.New("script is busy")
)

// Status is the execution state of a script.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
	StatusScheduled Status = "scheduled"
	StatusStarting  Status = "starting"
	StatusStopping  Status = "stopping"
)

// Busy reports whether the script is between start and stop.
func (s Status) Busy() bool {
	return s == StatusRunning || s == StatusStarting || s == StatusStopping
}

// Priority orders scripts in the task queue; higher runs first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts a name or a number from 1 to 4.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(PriorityLow) || n > int(PriorityCritical) {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// UnmarshalYAML lets manifests spell priorities by name.
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParsePriority(node.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalYAML writes the priority name.
func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

// Schedule describes when a script runs on its own.
type Schedule struct {
	Enabled            bool   `yaml:"enabled"`
	StartTime          string `yaml:"start_time,omitempty"` // HH:MM, local time
	EndTime            string `yaml:"end_time,omitempty"`
	IntervalSeconds    uint64 `yaml:"interval_seconds,omitempty"`
	MaxExecutions      uint32 `yaml:"max_executions,omitempty"` // 0 = unlimited
	CurrentExecutions  uint32 `yaml:"-"`
	RunOnIdle          bool   `yaml:"run_on_idle,omitempty"`
	MaxDurationSeconds uint64 `yaml:"max_duration_seconds,omitempty"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks the time-of-day fields.
func (s Schedule) Validate() error {
	if (s.StartTime == "") != (s.EndTime == "") {
		return errors.New("start_time and end_time must be set together")
	}
	if s.StartTime == "" {
		return nil
	}
	if _, err := parseClock(s.StartTime); err != nil {
		return err
	}
	_, err := parseClock(s.EndTime)
	return err
}

// InWindow reports whether t falls in the daily window. A window whose end
// is before its start crosses midnight. No window means always.
func (s Schedule) InWindow(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.StartTime == "" || s.EndTime == "" {
		return true
	}
	start, err1 := parseClock(s.StartTime)
	end, err2 := parseClock(s.EndTime)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

// ReachedMax reports whether the execution budget is spent.
func (s Schedule) ReachedMax() bool {
	return s.MaxExecutions > 0 && s.CurrentExecutions >= s.MaxExecutions
}

// Due reports whether a scheduled run should be queued at now given the last
// run. Without an interval a script runs once per calendar day.
func (s Schedule) Due(now, lastRun time.Time) bool {
	if !s.InWindow(now) || s.ReachedMax() {
		return false
	}
	if lastRun.IsZero() {
		return true
	}
	if s.IntervalSeconds == 0 {
		y1, m1, d1 := lastRun.Date()
		y2, m2, d2 := now.Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	}
	return now.Sub(lastRun) >= time.Duration(s.IntervalSeconds)*time.Second
}

// Resources is the estimated footprint of one run.
type Resources struct {
	MemoryMB                 uint64 `yaml:"memory_mb"`
	CPUPercent               uint8  `yaml:"cpu_percent"`
	GPU                      bool   `yaml:"gpu"`
	EstimatedDurationSeconds uint64 `yaml:"estimated_duration_seconds"`
}

// Config holds per-script execution settings.
type Config struct {
	RequiredModels []string       `yaml:"required_models,omitempty"`
	Parameters     map[string]any `yaml:"parameters,omitempty"`
	TimeoutSeconds uint64         `yaml:"timeout_seconds"`
	RetryCount     uint32         `yaml:"retry_count"`
	Resources      Resources      `yaml:"resources"`
}

// DefaultConfig returns a five minute timeout and three retries.
func DefaultConfig() Config {
	return Config{
		Parameters:     map[string]any{},
		TimeoutSeconds: 300,
		RetryCount:     3,
		Resources: Resources{
			MemoryMB:                 100,
			CPUPercent:               10,
			EstimatedDurationSeconds: 30,
		},
	}
}

// Timeout returns the run timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Result is the outcome of one run.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailed    Result = "failed"
	ResultTimeout   Result = "timeout"
	ResultCancelled Result = "cancelled"
)

// Stats are cumulative execution counters.
type Stats struct {
	TotalExecutions        uint64
	SuccessfulExecutions   uint64
	FailedExecutions       uint64
	AverageExecutionTimeMs uint64
	LastExecution          time.Time
	LastResult             Result
	LastError              string
}

// Info is a registered script.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	Author      string
	Path        string
	Status      Status
	StatusError string // Set when Status is StatusError
	Priority    Priority
	Schedule    Schedule
	Config      Config
	Stats       Stats
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Enabled     bool
	Tags        []string
}

// New returns an enabled, stopped script with default settings.
func New(id, name, description, path string) *Info {
	now := time.Now()
	return &Info{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Author:      "Unknown",
		Path:        path,
		Status:      StatusStopped,
		Priority:    PriorityNormal,
		Config:      DefaultConfig(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Enabled:     true,
	}
}

// SetStatus changes the status. msg is kept only for StatusError.
func (i *Info) SetStatus(s Status, msg string) {
	i.Status = s
	i.StatusError = ""
	if s == StatusError {
		i.StatusError = msg
	}
	i.UpdatedAt = time.Now()
}

// CanExecute returns nil when the script may be started.
func (i *Info) CanExecute() error {
	if !i.Enabled {
		return fmt.Errorf("%s: %w", i.ID, ErrDisabled)
	}
	if i.Status.Busy() {
		return fmt.Errorf("%s is %s: %w", i.ID, i.Status, ErrBusy)
	}
	return nil
}

// RecordExecution folds one run into the stats. Successful scheduled runs
// count toward the execution budget.
func (i *Info) RecordExecution(result Result, elapsed time.Duration, errMsg string) {
	st := &i.Stats
	st.TotalExecutions++
	st.LastExecution = time.Now()
	st.LastResult = result
	st.LastError = errMsg

	switch result {
	case ResultSuccess:
		st.SuccessfulExecutions++
		if i.Schedule.Enabled {
			i.Schedule.CurrentExecutions++
		}
	case ResultFailed, ResultTimeout:
		st.FailedExecutions++
	}

	ms := uint64(elapsed.Milliseconds())
	st.AverageExecutionTimeMs = (st.AverageExecutionTimeMs*(st.TotalExecutions-1) + ms) / st.TotalExecutions
	i.UpdatedAt = time.Now()
}

// ResetStats clears the counters and the execution budget.
func (i *Info) ResetStats() {
	i.Stats = Stats{}
	i.Schedule.CurrentExecutions = 0
	i.UpdatedAt = time.Now()
}

// EstimatedDuration returns the expected run time.
func (i *Info) EstimatedDuration() time.Duration {
	return time.Duration(i.Config.Resources.EstimatedDurationSeconds) * time.Second
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	out := *i
	out.Tags = append([]string(nil), i.Tags...)
	out.Config.RequiredModels = append([]string(nil), i.Config.RequiredModels...)
	out.Config.Parameters = make(map[string]any, len(i.Config.Parameters))
	for k, v := range i.Config.Parameters {
		out.Config.Parameters[k] = v
	}
	return &out
}

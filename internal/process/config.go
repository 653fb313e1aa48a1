package process

import (
	"time"
)

// MinMemoryMB is the smallest memory limit a process may be configured with.
const MinMemoryMB = 64

// Priority is the OS scheduling priority requested for a process.
type Priority string

const (
	PriorityLow         Priority = "low"
	PriorityBelowNormal Priority = "below_normal"
	PriorityNormal      Priority = "normal"
	PriorityAboveNormal Priority = "above_normal"
	PriorityHigh        Priority = "high"
	PriorityRealtime    Priority = "realtime"
)

// Nice maps a priority to a unix nice value.
func (p Priority) Nice() int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityBelowNormal:
		return 5
	case PriorityAboveNormal:
		return -5
	case PriorityHigh:
		return -10
	case PriorityRealtime:
		return -20
	default:
		return 0
	}
}

// ResourceConstraints bound what a process may consume.
type ResourceConstraints struct {
	MaxCPUPercent float64
	MaxMemoryMB   uint64
	MaxThreads    int
}

// DefaultResourceConstraints mirror a device process budget.
func DefaultResourceConstraints() ResourceConstraints {
	return ResourceConstraints{
		MaxCPUPercent: 80,
		MaxMemoryMB:   1024,
		MaxThreads:    100,
	}
}

// Validate checks the constraint ranges.
func (r ResourceConstraints) Validate() error {
	if r.MaxCPUPercent <= 0 || r.MaxCPUPercent > 100 {
		return &ConfigError{Field: "max_cpu_percent", Reason: "must be in (0, 100]"}
	}
	if r.MaxMemoryMB < MinMemoryMB {
		return &ConfigError{Field: "max_memory_mb", Reason: "must be at least 64MB"}
	}
	if r.MaxThreads <= 0 {
		return &ConfigError{Field: "max_threads", Reason: "must be positive"}
	}
	return nil
}

// HealthCheckConfig controls liveness evaluation.
type HealthCheckConfig struct {
	Enabled          bool
	Interval         time.Duration // How often the supervisor evaluates health
	HeartbeatTimeout time.Duration // Max heartbeat age of a healthy running process
}

// DefaultHealthCheckConfig returns heartbeat-based health checking.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:          true,
		Interval:         10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}
}

// Config is the immutable description of a process to launch.
type Config struct {
	ProcessID string
	DeviceID  string
	Program   string
	Args      []string
	WorkDir   string
	Env       map[string]string

	CoreCount int
	CoreIDs   []int // Filled in by the core allocator before launch
	Priority  Priority
	MemoryMB  uint64

	Resources       ResourceConstraints
	Restart         RestartPolicy
	HealthCheck     HealthCheckConfig
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration

	LogLevel    string
	IPCEndpoint string
	ConfigData  map[string]string
}

// DefaultConfig returns a device process config without program or cores.
func DefaultConfig(processID, deviceID string, coreCount int) Config {
	return Config{
		ProcessID:       processID,
		DeviceID:        deviceID,
		Env:             map[string]string{},
		CoreCount:       coreCount,
		Priority:        PriorityNormal,
		MemoryMB:        1024,
		Resources:       DefaultResourceConstraints(),
		Restart:         DefaultRestartPolicy(),
		HealthCheck:     DefaultHealthCheckConfig(),
		StartupTimeout:  60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		ConfigData:      map[string]string{},
	}
}

// Validate checks the config. Cores are only compared against CoreCount once
// they have been assigned.
func (c Config) Validate() error {
	if c.ProcessID == "" {
		return &ConfigError{Field: "process_id", Reason: "must not be empty"}
	}
	if c.Program == "" {
		return &ConfigError{Field: "program", Reason: "must not be empty"}
	}
	if c.CoreCount <= 0 {
		return &ConfigError{Field: "core_count", Reason: "must be positive"}
	}
	if c.CoreIDs != nil && len(c.CoreIDs) != c.CoreCount {
		return &ConfigError{Field: "core_ids", Reason: "length does not match core_count"}
	}
	if c.MemoryMB < MinMemoryMB {
		return &ConfigError{Field: "memory_mb", Reason: "must be at least 64MB"}
	}
	if err := c.Resources.Validate(); err != nil {
		return err
	}
	if c.StartupTimeout <= 0 {
		return &ConfigError{Field: "startup_timeout", Reason: "must be positive"}
	}
	if c.ShutdownTimeout <= 0 {
		return &ConfigError{Field: "shutdown_timeout", Reason: "must be positive"}
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate a launched config.
func (c Config) clone() Config {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.CoreIDs = append([]int(nil), c.CoreIDs...)
	if c.CoreIDs == nil {
		out.CoreIDs = nil
	}
	out.Env = make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out.Env[k] = v
	}
	out.ConfigData = make(map[string]string, len(c.ConfigData))
	for k, v := range c.ConfigData {
		out.ConfigData[k] = v
	}
	return out
}

// Package config loads orchestrator settings from defaults, an optional YAML
// file and DEVORCH_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/devorch/internal/cpu"
	"github.com/eliteGoblin/devorch/internal/daemon"
	"github.com/eliteGoblin/devorch/internal/infra"
	"github.com/eliteGoblin/devorch/internal/ipc"
	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

// EnvPrefix prefixes environment overrides: log.level is DEVORCH_LOG_LEVEL.
const EnvPrefix = "DEVORCH"

// Config is the full orchestrator configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir"`
	ScriptsDir   string             `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	IPC          IPCConfig          `mapstructure:"ipc" yaml:"ipc"`
	Scheduler    scheduler.Config   `mapstructure:"scheduler" yaml:"scheduler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Events       EventsConfig       `mapstructure:"events" yaml:"events"`
	Tracing      TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
	History      HistoryConfig      `mapstructure:"history" yaml:"history"`
	Devices      []DeviceConfig     `mapstructure:"devices" yaml:"devices"`
}

// LogConfig selects the log level and file.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Path  string `mapstructure:"path" yaml:"path"` // Empty logs to <data_dir>/devorch.log
}

// IPCConfig tunes the device transport.
type IPCConfig struct {
	SocketDir            string        `mapstructure:"socket_dir" yaml:"socket_dir"`
	SocketName           string        `mapstructure:"socket_name" yaml:"socket_name"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	CommandLaneSize      int           `mapstructure:"command_lane_size" yaml:"command_lane_size"`
	LogLaneSize          int           `mapstructure:"log_lane_size" yaml:"log_lane_size"`
	LogRate              float64       `mapstructure:"log_rate" yaml:"log_rate"`
	LogBurst             int           `mapstructure:"log_burst" yaml:"log_burst"`
}

// OrchestratorConfig bounds devices and their processes.
type OrchestratorConfig struct {
	MaxDevices          int                   `mapstructure:"max_devices" yaml:"max_devices"`
	CoresPerDevice      int                   `mapstructure:"cores_per_device" yaml:"cores_per_device"`
	AllocationPriority  string                `mapstructure:"allocation_priority" yaml:"allocation_priority"`
	ProcessPriority     string                `mapstructure:"process_priority" yaml:"process_priority"`
	MemoryMB            uint64                `mapstructure:"memory_mb" yaml:"memory_mb"`
	Restart             process.RestartPolicy `mapstructure:"restart" yaml:"restart"`
	StartupTimeout      time.Duration         `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	ShutdownTimeout     time.Duration         `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval time.Duration         `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	HeartbeatTimeout    time.Duration         `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	PersistInterval     time.Duration         `mapstructure:"persist_interval" yaml:"persist_interval"`
}

// MetricsConfig is the HTTP listener for /metrics and the API.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // Empty disables HTTP
}

// EventsConfig enables Redis fan-out of status events.
type EventsConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"` // Empty keeps events in memory
	Channel   string `mapstructure:"channel" yaml:"channel"`
}

// TracingConfig enables span export.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Output  string `mapstructure:"output" yaml:"output"` // File path, empty is stdout
}

// HistoryConfig toggles the encrypted execution history.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DeviceConfig is a device registered at startup.
type DeviceConfig struct {
	ID       string   `mapstructure:"id" yaml:"id"`
	Name     string   `mapstructure:"name" yaml:"name"`
	Cores    int      `mapstructure:"cores" yaml:"cores"`
	MemoryMB uint64   `mapstructure:"memory_mb" yaml:"memory_mb"`
	Scripts  []string `mapstructure:"scripts" yaml:"scripts,omitempty"` // Script ids assigned once the device is online
}

// Default returns the built-in configuration for the current execution mode.
func Default() *Config {
	return defaultFor(infra.DetectRuntimePaths())
}

func defaultFor(paths *infra.RuntimePaths) *Config {
	client := ipc.DefaultClientConfig("")
	server := ipc.DefaultServerConfig("")
	orch := usecase.DefaultConfig()
	return &Config{
		DataDir:    paths.DataDir,
		ScriptsDir: filepath.Join(paths.DataDir, "scripts"),
		Log: LogConfig{
			Level: "info",
			Path:  paths.LogFile,
		},
		IPC: IPCConfig{
			SocketDir:            paths.SocketDir,
			SocketName:           ipc.SocketName,
			HeartbeatInterval:    client.HeartbeatInterval,
			HeartbeatTimeout:     server.HeartbeatTimeout,
			ReconnectDelay:       client.ReconnectDelay,
			MaxReconnectAttempts: client.MaxReconnectAttempts,
			CommandLaneSize:      client.CommandLaneSize,
			LogLaneSize:          client.LogLaneSize,
			LogRate:              client.LogRate,
			LogBurst:             client.LogBurst,
		},
		Scheduler: scheduler.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			MaxDevices:          orch.MaxDevices,
			CoresPerDevice:      orch.CoresPerDevice,
			AllocationPriority:  string(cpu.PolicyBalanced),
			ProcessPriority:     string(process.PriorityNormal),
			MemoryMB:            1024,
			Restart:             process.DefaultRestartPolicy(),
			StartupTimeout:      60 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			HeartbeatTimeout:    30 * time.Second,
			PersistInterval:     30 * time.Second,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
		Events:  EventsConfig{Channel: "devorch:events"},
		History: HistoryConfig{Enabled: true},
	}
}

// Load reads configuration. An empty path looks for <data_dir>/config.yaml
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	return load(path, Default())
}

func load(path string, defaults *Config) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaults)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(defaults.DataDir, "config.yaml")
	}
	v.SetConfigFile(infra.ExpandHome(path))
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = infra.ExpandHome(cfg.DataDir)
	cfg.ScriptsDir = infra.ExpandHome(cfg.ScriptsDir)
	cfg.IPC.SocketDir = infra.ExpandHome(cfg.IPC.SocketDir)
	cfg.Log.Path = infra.ExpandHome(cfg.Log.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// that no file mentions.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("scripts_dir", d.ScriptsDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.path", d.Log.Path)

	v.SetDefault("ipc.socket_dir", d.IPC.SocketDir)
	v.SetDefault("ipc.socket_name", d.IPC.SocketName)
	v.SetDefault("ipc.heartbeat_interval", d.IPC.HeartbeatInterval)
	v.SetDefault("ipc.heartbeat_timeout", d.IPC.HeartbeatTimeout)
	v.SetDefault("ipc.reconnect_delay", d.IPC.ReconnectDelay)
	v.SetDefault("ipc.max_reconnect_attempts", d.IPC.MaxReconnectAttempts)
	v.SetDefault("ipc.command_lane_size", d.IPC.CommandLaneSize)
	v.SetDefault("ipc.log_lane_size", d.IPC.LogLaneSize)
	v.SetDefault("ipc.log_rate", d.IPC.LogRate)
	v.SetDefault("ipc.log_burst", d.IPC.LogBurst)

	v.SetDefault("scheduler.max_concurrent_tasks", d.Scheduler.MaxConcurrentTasks)
	v.SetDefault("scheduler.check_interval", d.Scheduler.CheckInterval)
	v.SetDefault("scheduler.task_timeout", d.Scheduler.TaskTimeout)
	v.SetDefault("scheduler.enable_auto_retry", d.Scheduler.EnableAutoRetry)
	v.SetDefault("scheduler.default_retry_count", d.Scheduler.DefaultRetryCount)
	v.SetDefault("scheduler.retry_delay", d.Scheduler.RetryDelay)
	v.SetDefault("scheduler.enable_idle_detection", d.Scheduler.EnableIdleDetection)
	v.SetDefault("scheduler.idle_threshold", d.Scheduler.IdleThreshold)

	v.SetDefault("orchestrator.max_devices", d.Orchestrator.MaxDevices)
	v.SetDefault("orchestrator.cores_per_device", d.Orchestrator.CoresPerDevice)
	v.SetDefault("orchestrator.allocation_priority", d.Orchestrator.AllocationPriority)
	v.SetDefault("orchestrator.process_priority", d.Orchestrator.ProcessPriority)
	v.SetDefault("orchestrator.memory_mb", d.Orchestrator.MemoryMB)
	v.SetDefault("orchestrator.restart.kind", string(d.Orchestrator.Restart.Kind))
	v.SetDefault("orchestrator.restart.max_attempts", d.Orchestrator.Restart.MaxAttempts)
	v.SetDefault("orchestrator.restart.delay", d.Orchestrator.Restart.Delay)
	v.SetDefault("orchestrator.restart.exponential_backoff", d.Orchestrator.Restart.ExponentialBackoff)
	v.SetDefault("orchestrator.startup_timeout", d.Orchestrator.StartupTimeout)
	v.SetDefault("orchestrator.shutdown_timeout", d.Orchestrator.ShutdownTimeout)
	v.SetDefault("orchestrator.health_check_interval", d.Orchestrator.HealthCheckInterval)
	v.SetDefault("orchestrator.heartbeat_timeout", d.Orchestrator.HeartbeatTimeout)
	v.SetDefault("orchestrator.persist_interval", d.Orchestrator.PersistInterval)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("events.redis_addr", d.Events.RedisAddr)
	v.SetDefault("events.channel", d.Events.Channel)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.output", d.Tracing.Output)
	v.SetDefault("history.enabled", d.History.Enabled)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.IPC.SocketDir == "" || c.IPC.SocketName == "" {
		return errors.New("ipc.socket_dir and ipc.socket_name must not be empty")
	}
	if c.IPC.HeartbeatInterval <= 0 || c.IPC.HeartbeatTimeout <= c.IPC.HeartbeatInterval {
		return errors.New("ipc.heartbeat_timeout must exceed a positive ipc.heartbeat_interval")
	}
	if c.Orchestrator.MaxDevices < 0 {
		return errors.New("orchestrator.max_devices must not be negative")
	}
	if c.Orchestrator.CoresPerDevice <= 0 {
		return errors.New("orchestrator.cores_per_device must be positive")
	}
	if c.Orchestrator.MemoryMB < process.MinMemoryMB {
		return fmt.Errorf("orchestrator.memory_mb must be at least %d", process.MinMemoryMB)
	}
	switch c.Orchestrator.Restart.Kind {
	case process.RestartNever, process.RestartAlways, process.RestartOnFailure, process.RestartOnCrash:
	default:
		return fmt.Errorf("orchestrator.restart.kind: unknown kind %q", c.Orchestrator.Restart.Kind)
	}
	switch process.Priority(c.Orchestrator.ProcessPriority) {
	case process.PriorityLow, process.PriorityBelowNormal, process.PriorityNormal,
		process.PriorityAboveNormal, process.PriorityHigh, process.PriorityRealtime:
	default:
		return fmt.Errorf("orchestrator.process_priority: unknown priority %q", c.Orchestrator.ProcessPriority)
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return errors.New("scheduler.max_concurrent_tasks must be positive")
	}

	seen := make(map[string]bool, len(c.Devices))
	owner := make(map[string]string)
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id must not be empty", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Cores < 0 {
			return fmt.Errorf("devices[%d]: cores must not be negative", i)
		}
		for _, id := range d.Scripts {
			if prev, ok := owner[id]; ok {
				return fmt.Errorf("devices[%d]: script %q already assigned to %s", i, id, prev)
			}
			owner[id] = d.ID
		}
	}
	if c.Orchestrator.MaxDevices > 0 && len(c.Devices) > c.Orchestrator.MaxDevices {
		return fmt.Errorf("%d devices configured, orchestrator.max_devices is %d", len(c.Devices), c.Orchestrator.MaxDevices)
	}
	return nil
}

// Endpoint is the IPC socket path.
func (c *Config) Endpoint() string {
	return filepath.Join(c.IPC.SocketDir, c.IPC.SocketName)
}

// ServerConfig returns the orchestrator-side transport settings.
func (c *Config) ServerConfig() ipc.ServerConfig {
	sc := ipc.DefaultServerConfig(c.Endpoint())
	sc.HeartbeatTimeout = c.IPC.HeartbeatTimeout
	return sc
}

// ClientConfig returns the device-side transport settings for endpoint.
func (c *Config) ClientConfig(endpoint string) ipc.ClientConfig {
	cc := ipc.DefaultClientConfig(endpoint)
	cc.HeartbeatInterval = c.IPC.HeartbeatInterval
	cc.ReconnectDelay = c.IPC.ReconnectDelay
	cc.MaxReconnectAttempts = c.IPC.MaxReconnectAttempts
	cc.CommandLaneSize = c.IPC.CommandLaneSize
	cc.LogLaneSize = c.IPC.LogLaneSize
	cc.LogRate = c.IPC.LogRate
	cc.LogBurst = c.IPC.LogBurst
	return cc
}

// DeviceManagerConfig returns the device manager limits.
func (c *Config) DeviceManagerConfig() usecase.Config {
	return usecase.Config{
		MaxDevices:     c.Orchestrator.MaxDevices,
		CoresPerDevice: c.Orchestrator.CoresPerDevice,
	}
}

// DeviceSpecs returns the devices to register at startup.
func (c *Config) DeviceSpecs() []usecase.DeviceSpec {
	specs := make([]usecase.DeviceSpec, 0, len(c.Devices))
	for _, d := range c.Devices {
		specs = append(specs, usecase.DeviceSpec{
			ID:        d.ID,
			Name:      d.Name,
			CoreCount: d.Cores,
			MemoryMB:  d.MemoryMB,
		})
	}
	return specs
}

// DeviceOptions are the launch settings of every device process. configFile
// is handed down so devices read the same file.
func (c *Config) DeviceOptions(configFile string) daemon.DeviceOptions {
	opts := daemon.DefaultDeviceOptions(c.Endpoint())
	opts.LogLevel = c.Log.Level
	opts.ConfigFile = configFile
	opts.MemoryMB = c.Orchestrator.MemoryMB
	opts.Priority = process.Priority(c.Orchestrator.ProcessPriority)
	opts.Restart = c.Orchestrator.Restart
	opts.StartupTimeout = c.Orchestrator.StartupTimeout
	opts.ShutdownTimeout = c.Orchestrator.ShutdownTimeout
	opts.HeartbeatTimeout = c.Orchestrator.HeartbeatTimeout
	return opts
}

// SupervisorConfig derives the supervisor intervals.
func (c *Config) SupervisorConfig() daemon.SupervisorConfig {
	return daemon.SupervisorConfig{
		CheckInterval:   c.Orchestrator.HealthCheckInterval,
		PersistInterval: c.Orchestrator.PersistInterval,
	}
}

// Assignments maps device ids to the scripts configured for them.
func (c *Config) Assignments() map[string][]string {
	out := make(map[string][]string)
	for _, d := range c.Devices {
		if len(d.Scripts) > 0 {
			out[d.ID] = append([]string(nil), d.Scripts...)
		}
	}
	return out
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

package daemon

import (
	"os"
	"time"

	"github.com/eliteGoblin/devorch/internal/process"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

// DeviceCommand is the hidden subcommand a device process runs.
const DeviceCommand = "device"

// DeviceMarker is the command-line fragment of the device process serving
// deviceID. Orphan cleanup only kills pids whose command line contains it.
func DeviceMarker(deviceID string) string {
	return DeviceCommand + " --id " + deviceID
}

// DeviceOptions are the settings shared by every device process.
type DeviceOptions struct {
	IPCEndpoint      string
	LogLevel         string
	ConfigFile       string // Passed down with --config when set
	MemoryMB         uint64
	Priority         process.Priority
	Restart          process.RestartPolicy
	StartupTimeout   time.Duration
	ShutdownTimeout  time.Duration
	HeartbeatTimeout time.Duration
}

// DefaultDeviceOptions returns device defaults for an IPC endpoint.
func DefaultDeviceOptions(endpoint string) DeviceOptions {
	return DeviceOptions{
		IPCEndpoint:      endpoint,
		LogLevel:         "info",
		MemoryMB:         1024,
		Priority:         process.PriorityNormal,
		Restart:          process.DefaultRestartPolicy(),
		StartupTimeout:   60 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}
}

// DeviceProcessConfig builds the config that re-executes executable as the
// device process for spec: "<executable> device --id <id>".
func DeviceProcessConfig(executable string, spec usecase.DeviceSpec, cores int, opts DeviceOptions) process.Config {
	cfg := process.DefaultConfig("device-"+spec.ID, spec.ID, cores)
	cfg.Program = executable
	cfg.Args = []string{DeviceCommand, "--id", spec.ID}
	if opts.ConfigFile != "" {
		cfg.Args = append(cfg.Args, "--config", opts.ConfigFile)
	}
	cfg.IPCEndpoint = opts.IPCEndpoint
	cfg.LogLevel = opts.LogLevel
	cfg.Priority = opts.Priority
	cfg.Restart = opts.Restart
	cfg.MemoryMB = opts.MemoryMB
	if spec.MemoryMB > 0 {
		cfg.MemoryMB = spec.MemoryMB
	}
	if opts.StartupTimeout > 0 {
		cfg.StartupTimeout = opts.StartupTimeout
	}
	if opts.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = opts.ShutdownTimeout
	}
	if opts.HeartbeatTimeout > 0 {
		cfg.HealthCheck.HeartbeatTimeout = opts.HeartbeatTimeout
	}
	if spec.Name != "" {
		cfg.ConfigData["device_name"] = spec.Name
	}
	return cfg
}

// NewDeviceConfigBuilder returns a usecase.ProcessConfigBuilder that launches
// device processes from the running executable.
func NewDeviceConfigBuilder(opts DeviceOptions) (usecase.ProcessConfigBuilder, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return func(spec usecase.DeviceSpec, cores int) process.Config {
		return DeviceProcessConfig(executable, spec, cores, opts)
	}, nil
}

package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment contract between the orchestrator and a device process.
const (
	EnvChildContext     = "DEVORCH_CHILD_CONTEXT"
	EnvCoreIDs          = "DEVORCH_CORE_IDS"
	EnvInferenceThreads = "DEVORCH_INFERENCE_THREADS"
	EnvOMPThreads       = "OMP_NUM_THREADS"
	EnvLogLevel         = "DEVORCH_LOG_LEVEL"
)

// InitPayload is handed to a device process through EnvChildContext.
type InitPayload struct {
	DeviceID         string            `json:"device_id"`
	ProcessID        string            `json:"process_id"`
	IPCEndpoint      string            `json:"ipc_endpoint"`
	LogLevel         string            `json:"log_level"`
	CoreIDs          []int             `json:"core_ids"`
	SharedMemoryKeys []string          `json:"shared_memory_keys,omitempty"`
	ConfigData       map[string]string `json:"config_data,omitempty"`
}

// ReadInitPayload decodes the init payload of the current (child) process.
func ReadInitPayload() (*InitPayload, error) {
	raw := os.Getenv(EnvChildContext)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", EnvChildContext)
	}
	var p InitPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", EnvChildContext, err)
	}
	return &p, nil
}

// ExitStatus describes how a spawned process ended. Code is -1 when the
// process was terminated by a signal.
type ExitStatus struct {
	Code int
	Err  error
}

// Spawned is a running OS process started by a Spawner.
type Spawned struct {
	PID  int
	Done <-chan ExitStatus // Receives exactly one value, then closes
}

// Spawner starts OS processes from a Config.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (*Spawned, error)
}

// Launcher spawns device processes bound to their cores.
type Launcher struct {
	affinity AffinitySetter
	logger   *zap.Logger
}

// NewLauncher creates a launcher using the given affinity backend.
func NewLauncher(affinity AffinitySetter, logger *zap.Logger) *Launcher {
	return &Launcher{affinity: affinity, logger: logger}
}

// BuildEnv returns the environment for cfg layered over the parent's.
func BuildEnv(cfg Config) ([]string, error) {
	payload := InitPayload{
		DeviceID:    cfg.DeviceID,
		ProcessID:   cfg.ProcessID,
		IPCEndpoint: cfg.IPCEndpoint,
		LogLevel:    cfg.LogLevel,
		CoreIDs:     cfg.CoreIDs,
		ConfigData:  cfg.ConfigData,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode init payload: %w", err)
	}

	cores := make([]string, len(cfg.CoreIDs))
	for i, c := range cfg.CoreIDs {
		cores[i] = strconv.Itoa(c)
	}
	threads := strconv.Itoa(cfg.CoreCount)

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		EnvChildContext+"="+string(data),
		EnvCoreIDs+"="+strings.Join(cores, ","),
		EnvInferenceThreads+"="+threads,
		EnvOMPThreads+"="+threads,
		EnvLogLevel+"="+cfg.LogLevel,
	)
	return env, nil
}

// Spawn starts the process described by cfg, then pins it and sets its
// priority. Affinity failures are logged, not fatal.
func (l *Launcher) Spawn(ctx context.Context, cfg Config) (*Spawned, error) {
	env, err := BuildEnv(cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Env = env
	cmd.Dir = cfg.WorkDir
	cmd.SysProcAttr = detachedAttr()

	log := l.logger.With(zap.String("process_id", cfg.ProcessID))
	cmd.Stdout = &lineLogger{log: log, level: zap.InfoLevel}
	cmd.Stderr = &lineLogger{log: log, level: zap.WarnLevel}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &ProcessError{Kind: ErrPermission, ProcessID: cfg.ProcessID, Err: err}
		}
		return nil, &ProcessError{Kind: ErrStartup, ProcessID: cfg.ProcessID, Err: err}
	}
	pid := cmd.Process.Pid

	log = log.With(zap.Int("pid", pid))
	l.bind(pid, cfg, log)

	done := make(chan ExitStatus, 1)
	go func() {
		defer close(done)
		waitErr := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		done <- ExitStatus{Code: code, Err: waitErr}
	}()

	log.Info("process spawned",
		zap.String("program", cfg.Program),
		zap.Ints("cores", cfg.CoreIDs),
		zap.String("priority", string(cfg.Priority)))

	return &Spawned{PID: pid, Done: done}, nil
}

func (l *Launcher) bind(pid int, cfg Config, log *zap.Logger) {
	if err := l.affinity.SetAffinity(pid, cfg.CoreIDs); err != nil {
		if errors.Is(err, ErrAffinityUnsupported) {
			log.Debug("cpu affinity unavailable", zap.Error(err))
		} else {
			log.Warn("failed to set cpu affinity", zap.Error(err))
		}
	}
	if cfg.Priority == "" || cfg.Priority == PriorityNormal {
		return
	}
	if err := l.affinity.SetPriority(pid, cfg.Priority); err != nil {
		log.Warn("failed to set process priority",
			zap.String("priority", string(cfg.Priority)),
			zap.Error(err))
	}
}

// lineLogger re-logs child output one line at a time. exec copies into it
// from a single goroutine per stream.
type lineLogger struct {
	log   *zap.Logger
	level zapcore.Level
	buf   bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			if w.buf.Len() > maxChildLine {
				w.emit(w.buf.String())
				w.buf.Reset()
			}
			return len(p), nil
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
}

const maxChildLine = 64 * 1024

func (w *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	if ce := w.log.Check(w.level, "child output"); ce != nil {
		ce.Write(zap.String("line", line))
	}
}

var _ Spawner = (*Launcher)(nil)

package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/ipc"
)

// EnvParamPrefix prefixes script parameters exported to the script environment.
const EnvParamPrefix = "DEVORCH_PARAM_"

// ErrScriptTimeout is returned by Execution.Wait when the script outlived its timeout.
var ErrScriptTimeout = errors.New("script timed out")

// ScriptRunner starts script runs on a device.
type ScriptRunner interface {
	// Start launches spec. Cancelling ctx ends the run. output receives the
	// script's output one line at a time.
	Start(ctx context.Context, spec ipc.ScriptSpec, output func(line string)) (Execution, error)
}

// Execution is one started script run.
type Execution interface {
	// Wait blocks until the run ends and returns its error, if any.
	Wait() error
	Pause() error
	Resume() error
}

// ExecRunner runs a script file as a child process of the device.
type ExecRunner struct {
	pm domain.ProcessManager
}

// NewExecRunner creates a runner that pauses and resumes runs through pm.
func NewExecRunner(pm domain.ProcessManager) *ExecRunner {
	return &ExecRunner{pm: pm}
}

var _ ScriptRunner = (*ExecRunner)(nil)

// Start runs spec.Path from its own directory with the script timeout.
func (r *ExecRunner) Start(ctx context.Context, spec ipc.ScriptSpec, output func(line string)) (Execution, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("script %s has no path", spec.ID)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if spec.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, spec.Path)
	cmd.Dir = filepath.Dir(spec.Path)
	cmd.Env = append(os.Environ(), paramEnv(spec.Parameters)...)
	cmd.WaitDelay = 2 * time.Second
	w := &lineWriter{emit: output}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start script %s: %w", spec.ID, err)
	}
	return &execution{cmd: cmd, ctx: runCtx, cancel: cancel, pm: r.pm, out: w, timeout: spec.TimeoutSeconds}, nil
}

// paramEnv renders parameters as sorted DEVORCH_PARAM_<NAME>=value pairs.
func paramEnv(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(k))
		env = append(env, fmt.Sprintf("%s%s=%v", EnvParamPrefix, name, params[k]))
	}
	return env
}

type execution struct {
	cmd     *exec.Cmd
	ctx     context.Context
	cancel  context.CancelFunc
	pm      domain.ProcessManager
	out     *lineWriter
	timeout uint64
}

func (e *execution) Wait() error {
	err := e.cmd.Wait()
	e.out.flush()
	timedOut := errors.Is(e.ctx.Err(), context.DeadlineExceeded)
	e.cancel()
	switch {
	case timedOut:
		return fmt.Errorf("%w after %ds", ErrScriptTimeout, e.timeout)
	case err != nil:
		return err
	default:
		return nil
	}
}

func (e *execution) Pause() error {
	if e.pm == nil {
		return errors.New("pause is not supported")
	}
	return e.pm.Suspend(e.cmd.Process.Pid)
}

func (e *execution) Resume() error {
	if e.pm == nil {
		return errors.New("resume is not supported")
	}
	return e.pm.Resume(e.cmd.Process.Pid)
}

// lineWriter splits script output into lines. Stdout and stderr share one
// writer so exec copies into it from a single goroutine; the mutex covers
// the final flush from Wait.
type lineWriter struct {
	mu   sync.Mutex
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) line(s string) {
	s = strings.TrimRight(s, "\r")
	if s != "" && w.emit != nil {
		w.emit(s)
	}
}

//go:build unix

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/devorch/internal/ipc"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type lines struct {
	mu  sync.Mutex
	out []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, s)
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.out...)
}

func TestExecRunner_OutputAndParameters(t *testing.T) {
	path := writeScript(t, `echo "hello $DEVORCH_PARAM_TARGET_NAME"
echo "warn" >&2
printf "no newline"`)
	var got lines

	exec, err := NewExecRunner(nil).Start(context.Background(), ipc.ScriptSpec{
		ID:         "s1",
		Path:       path,
		Parameters: map[string]any{"target-name": "world"},
	}, got.add)
	require.NoError(t, err)

	require.NoError(t, exec.Wait())
	assert.Equal(t, []string{"hello world", "warn", "no newline"}, got.all())
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	path := writeScript(t, "exit 3")

	exec, err := NewExecRunner(nil).Start(context.Background(), ipc.ScriptSpec{ID: "s1", Path: path}, nil)
	require.NoError(t, err)

	err = exec.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestExecRunner_Timeout(t *testing.T) {
	path := writeScript(t, "sleep 5")

	exec, err := NewExecRunner(nil).Start(context.Background(), ipc.ScriptSpec{ID: "s1", Path: path, TimeoutSeconds: 1}, nil)
	require.NoError(t, err)

	start := time.Now()
	err = exec.Wait()
	assert.ErrorIs(t, err, ErrScriptTimeout)
	assert.Less(t, time.Since(start), 4500*time.Millisecond)
}

func TestExecRunner_Cancel(t *testing.T) {
	path := writeScript(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())

	exec, err := NewExecRunner(nil).Start(ctx, ipc.ScriptSpec{ID: "s1", Path: path}, nil)
	require.NoError(t, err)
	cancel()

	err = exec.Wait()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrScriptTimeout)
}

func TestExecRunner_Errors(t *testing.T) {
	r := NewExecRunner(nil)

	_, err := r.Start(context.Background(), ipc.ScriptSpec{ID: "s1"}, nil)
	assert.Error(t, err)

	_, err = r.Start(context.Background(), ipc.ScriptSpec{ID: "s1", Path: "/nonexistent/script.sh"}, nil)
	assert.Error(t, err)
}

func TestExecRunner_PauseWithoutProcessManager(t *testing.T) {
	path := writeScript(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec, err := NewExecRunner(nil).Start(ctx, ipc.ScriptSpec{ID: "s1", Path: path}, nil)
	require.NoError(t, err)

	assert.Error(t, exec.Pause())
	assert.Error(t, exec.Resume())
	cancel()
	_ = exec.Wait()
}

func TestParamEnv(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   []string
	}{
		{"empty", nil, []string{}},
		{"sorted", map[string]any{"b": 2, "a": "x"}, []string{"DEVORCH_PARAM_A=x", "DEVORCH_PARAM_B=2"}},
		{"normalized", map[string]any{"max.retries": 3, "dry-run": true}, []string{"DEVORCH_PARAM_DRY_RUN=true", "DEVORCH_PARAM_MAX_RETRIES=3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, paramEnv(tt.params))
		})
	}
}

func TestLineWriter(t *testing.T) {
	var got lines
	w := &lineWriter{emit: got.add}

	_, _ = w.Write([]byte("a\r\nb"))
	_, _ = w.Write([]byte("c\n\n"))
	w.flush()

	assert.Equal(t, []string{"a", "bc"}, got.all())
}

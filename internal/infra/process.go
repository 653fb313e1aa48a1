// Package infra implements the orchestrator's OS-facing concerns: process
// control, the encrypted history store and runtime paths.
package infra

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/devorch/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() *ProcessManagerImpl {
	return &ProcessManagerImpl{}
}

func lookup(pid int) (*process.Process, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	return p, nil
}

// Terminate sends SIGTERM.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	p, err := lookup(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := lookup(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// Suspend sends SIGSTOP.
func (pm *ProcessManagerImpl) Suspend(pid int) error {
	p, err := lookup(pid)
	if err != nil {
		return err
	}
	return p.Suspend()
}

// Resume sends SIGCONT.
func (pm *ProcessManagerImpl) Resume(pid int) error {
	p, err := lookup(pid)
	if err != nil {
		return err
	}
	return p.Resume()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Stats samples cpu and memory usage of pid.
func (pm *ProcessManagerImpl) Stats(pid int) (*domain.ProcessStats, error) {
	p, err := lookup(pid)
	if err != nil {
		return nil, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return nil, fmt.Errorf("cpu of %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory of %d: %w", pid, err)
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0 // Not available on every platform
	}
	return &domain.ProcessStats{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		SampledAt:  time.Now(),
	}, nil
}

// CommandLineContains reports whether pid's command line contains marker.
// Used to confirm a recorded pid still belongs to a device process before
// killing it.
func (pm *ProcessManagerImpl) CommandLineContains(pid int, marker string) bool {
	p, err := lookup(pid)
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, marker)
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)

//go:build unix && !linux

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (NativeAffinity) SetAffinity(pid int, cores []int) error {
	return ErrAffinityUnsupported
}

func (NativeAffinity) SetPriority(pid int, priority Priority) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, priority.Nice()); err != nil {
		return fmt.Errorf("setpriority(%d): %w", pid, err)
	}
	return nil
}

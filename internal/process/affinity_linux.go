//go:build linux

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (NativeAffinity) SetAffinity(pid int, cores []int) error {
	if len(cores) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d): %w", pid, err)
	}
	return nil
}

func (NativeAffinity) SetPriority(pid int, priority Priority) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, priority.Nice()); err != nil {
		return fmt.Errorf("setpriority(%d): %w", pid, err)
	}
	return nil
}

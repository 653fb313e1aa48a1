//go:build unix

package process

import "syscall"

// detachedAttr puts the child in its own process group so terminal signals
// sent to the orchestrator do not reach device processes directly.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

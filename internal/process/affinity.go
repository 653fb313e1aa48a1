package process

import "errors"

// ErrAffinityUnsupported is returned where the OS has no affinity API.
var ErrAffinityUnsupported = errors.New("cpu affinity not supported on this platform")

// AffinitySetter pins processes to cores and sets their scheduling priority.
// Implementations call native APIs; they never shell out.
type AffinitySetter interface {
	// SetAffinity restricts pid to the given logical CPUs.
	SetAffinity(pid int, cores []int) error

	// SetPriority applies the scheduling priority to pid.
	SetPriority(pid int, priority Priority) error
}

// NativeAffinity is the AffinitySetter for the current OS.
type NativeAffinity struct{}

// NewNativeAffinity returns the platform implementation.
func NewNativeAffinity() AffinitySetter {
	return NativeAffinity{}
}

var _ AffinitySetter = NativeAffinity{}

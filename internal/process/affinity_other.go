//go:build !unix

package process

func (NativeAffinity) SetAffinity(pid int, cores []int) error {
	return ErrAffinityUnsupported
}

func (NativeAffinity) SetPriority(pid int, priority Priority) error {
	return ErrAffinityUnsupported
}

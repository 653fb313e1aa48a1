package cpu

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by AllocationError.Is.
var (
	ErrInsufficientCores  = errors.New("insufficient CPU cores")
	ErrDuplicateOwner     = errors.New("owner already holds an allocation")
	ErrAllocationNotFound = errors.New("allocation not found")
)

// AllocationError describes a rejected allocate or deallocate call.
type AllocationError struct {
	Kind      error
	OwnerID   string
	Requested int
	Available int
}

func (e *AllocationError) Error() string {
	switch e.Kind {
	case ErrInsufficientCores:
		return fmt.Sprintf("insufficient CPU cores for %s: requested %d, available %d",
			e.OwnerID, e.Requested, e.Available)
	case ErrDuplicateOwner:
		return fmt.Sprintf("%s already holds a core allocation", e.OwnerID)
	default:
		return fmt.Sprintf("no core allocation for %s", e.OwnerID)
	}
}

func (e *AllocationError) Is(target error) bool {
	return e.Kind == target
}

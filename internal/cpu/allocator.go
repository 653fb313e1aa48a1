package cpu

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/metrics"
)

// AllocationType decides whether a grant may overlap other grants.
type AllocationType string

const (
	// Exclusive grants never share a core with another exclusive grant.
	Exclusive AllocationType = "exclusive"
	// Shared grants may overlap anything.
	Shared AllocationType = "shared"
)

// Policy steers core selection on hybrid processors.
type Policy string

const (
	PolicyHighPerformance Policy = "high_performance"
	PolicyBalanced        Policy = "balanced"
	PolicyPowerSaving     Policy = "power_saving"
)

// ParsePolicy maps a config string to a Policy, defaulting to Balanced.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyHighPerformance, PolicyPowerSaving:
		return Policy(s)
	default:
		return PolicyBalanced
	}
}

// Allocation is a set of logical cores granted to one owner.
type Allocation struct {
	OwnerID   string
	Cores     []int
	Type      AllocationType
	Priority  Policy
	GrantedAt time.Time
}

// Stats are running counters of allocate calls.
type Stats struct {
	TotalAllocations        uint64
	SuccessfulAllocations   uint64
	FailedAllocations       uint64
	AverageAllocationTimeMs float64
	AllocatedCores          int
}

// Allocator grants and revokes core sets. Safe for concurrent use.
type Allocator struct {
	mu          sync.RWMutex
	topology    *Topology
	allocations map[string]Allocation
	stats       Stats
	logger      *zap.Logger
}

// NewAllocator creates an allocator over a detected topology.
func NewAllocator(topology *Topology, logger *zap.Logger) *Allocator {
	return &Allocator{
		topology:    topology,
		allocations: make(map[string]Allocation),
		logger:      logger,
	}
}

// Topology returns the snapshot the allocator was built with.
func (a *Allocator) Topology() *Topology {
	return a.topology
}

// Allocate grants count cores to owner. The call is all-or-nothing.
func (a *Allocator) Allocate(owner string, count int, priority Policy, allocType AllocationType) (Allocation, error) {
	start := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.allocateLocked(owner, count, priority, allocType)
	a.record(time.Since(start), err == nil)
	if err != nil {
		metrics.CoreAllocationsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("core allocation failed",
			zap.String("owner", owner),
			zap.Int("requested", count),
			zap.Error(err))
		return Allocation{}, err
	}

	metrics.CoreAllocationsTotal.WithLabelValues("success").Inc()
	metrics.AllocatedCores.Set(float64(a.allocatedCountLocked()))
	a.logger.Info("cores allocated",
		zap.String("owner", owner),
		zap.Ints("cores", alloc.Cores),
		zap.String("type", string(allocType)))
	return copyAllocation(alloc), nil
}

func (a *Allocator) allocateLocked(owner string, count int, priority Policy, allocType AllocationType) (Allocation, error) {
	if _, exists := a.allocations[owner]; exists {
		return Allocation{}, &AllocationError{Kind: ErrDuplicateOwner, OwnerID: owner}
	}

	candidates := a.candidatesLocked(allocType)
	if count <= 0 || len(candidates) < count {
		return Allocation{}, &AllocationError{
			Kind:      ErrInsufficientCores,
			OwnerID:   owner,
			Requested: count,
			Available: len(candidates),
		}
	}

	chosen := a.rank(candidates, priority)[:count]
	sort.Ints(chosen)

	alloc := Allocation{
		OwnerID:   owner,
		Cores:     chosen,
		Type:      allocType,
		Priority:  priority,
		GrantedAt: time.Now(),
	}
	a.allocations[owner] = alloc
	return alloc, nil
}

// candidatesLocked returns logical ids eligible for a new grant, sorted.
func (a *Allocator) candidatesLocked(allocType AllocationType) []int {
	all := a.topology.AllLogicalIDs()
	if allocType == Shared {
		return all
	}
	held := make(map[int]bool)
	for _, alloc := range a.allocations {
		if alloc.Type == Exclusive {
			for _, c := range alloc.Cores {
				held[c] = true
			}
		}
	}
	free := make([]int, 0, len(all))
	for _, id := range all {
		if !held[id] {
			free = append(free, id)
		}
	}
	return free
}

// rank orders sorted candidates by preference for the policy. Within a
// preference class the lowest id wins.
func (a *Allocator) rank(candidates []int, priority Policy) []int {
	ranked := append([]int(nil), candidates...)
	if !a.topology.IsHybrid || priority == PolicyBalanced {
		return ranked
	}
	preferred := CorePerformance
	if priority == PolicyPowerSaving {
		preferred = CoreEfficiency
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		pi := a.topology.CoreTypeOf(ranked[i]) == preferred
		pj := a.topology.CoreTypeOf(ranked[j]) == preferred
		return pi && !pj
	})
	return ranked
}

// Deallocate removes owner's grant and returns the freed cores.
func (a *Allocator) Deallocate(owner string) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[owner]
	if !ok {
		return nil, &AllocationError{Kind: ErrAllocationNotFound, OwnerID: owner}
	}
	delete(a.allocations, owner)
	metrics.AllocatedCores.Set(float64(a.allocatedCountLocked()))

	a.logger.Info("cores released",
		zap.String("owner", owner),
		zap.Ints("cores", alloc.Cores))
	return append([]int(nil), alloc.Cores...), nil
}

// Allocation returns owner's current grant.
func (a *Allocator) Allocation(owner string) (Allocation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc, ok := a.allocations[owner]
	if !ok {
		return Allocation{}, false
	}
	return copyAllocation(alloc), true
}

// Allocations returns a snapshot of every grant, ordered by owner.
func (a *Allocator) Allocations() []Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Allocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		out = append(out, copyAllocation(alloc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// AvailableCores returns the logical ids a new grant of allocType could use.
func (a *Allocator) AvailableCores(allocType AllocationType) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.candidatesLocked(allocType)
}

// Stats returns a copy of the allocation counters.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.stats
	s.AllocatedCores = a.allocatedCountLocked()
	return s
}

func (a *Allocator) record(elapsed time.Duration, ok bool) {
	a.stats.TotalAllocations++
	if ok {
		a.stats.SuccessfulAllocations++
	} else {
		a.stats.FailedAllocations++
	}
	ms := float64(elapsed.Microseconds()) / 1000
	n := float64(a.stats.TotalAllocations)
	a.stats.AverageAllocationTimeMs += (ms - a.stats.AverageAllocationTimeMs) / n
}

func (a *Allocator) allocatedCountLocked() int {
	seen := make(map[int]bool)
	for _, alloc := range a.allocations {
		for _, c := range alloc.Cores {
			seen[c] = true
		}
	}
	return len(seen)
}

func copyAllocation(a Allocation) Allocation {
	a.Cores = append([]int(nil), a.Cores...)
	return a
}

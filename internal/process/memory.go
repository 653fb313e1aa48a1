package process

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/eliteGoblin/devorch/internal/metrics"
)

// memoryCeilingPercent is the share of system memory device processes may reserve.
const memoryCeilingPercent = 80

// MemoryManager tracks memory reserved for device processes against a
// ceiling of 80% of system memory.
type MemoryManager struct {
	mu           sync.Mutex
	totalMB      uint64
	reservedMB   uint64
	reservations map[string]uint64
}

// NewMemoryManager reads total system memory through gopsutil.
func NewMemoryManager() (*MemoryManager, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read system memory: %w", err)
	}
	return NewMemoryManagerWithTotal(vm.Total / 1024 / 1024), nil
}

// NewMemoryManagerWithTotal creates a manager for a fixed total (for testing).
func NewMemoryManagerWithTotal(totalMB uint64) *MemoryManager {
	return &MemoryManager{
		totalMB:      totalMB,
		reservations: make(map[string]uint64),
	}
}

func (m *MemoryManager) limitMB() uint64 {
	return m.totalMB * memoryCeilingPercent / 100
}

// Reserve books mb for id. Reserving twice for the same id replaces the
// previous reservation.
func (m *MemoryManager) Reserve(id string, mb uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.reservedMB - m.reservations[id]
	if current+mb > m.limitMB() {
		return &ProcessError{
			Kind:      ErrResource,
			ProcessID: id,
			Err: fmt.Errorf("memory request %dMB exceeds available %dMB",
				mb, m.limitMB()-current),
		}
	}
	m.reservations[id] = mb
	m.reservedMB = current + mb
	metrics.ReservedMemoryMB.Set(float64(m.reservedMB))
	return nil
}

// Release frees id's reservation and returns its size.
func (m *MemoryManager) Release(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.reservations[id]
	if !ok {
		return 0
	}
	delete(m.reservations, id)
	m.reservedMB -= mb
	metrics.ReservedMemoryMB.Set(float64(m.reservedMB))
	return mb
}

// ReservedMB returns the total currently reserved.
func (m *MemoryManager) ReservedMB() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservedMB
}

// AvailableMB returns what can still be reserved.
func (m *MemoryManager) AvailableMB() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reservedMB >= m.limitMB() {
		return 0
	}
	return m.limitMB() - m.reservedMB
}

// TotalMB returns system memory.
func (m *MemoryManager) TotalMB() uint64 {
	return m.totalMB
}

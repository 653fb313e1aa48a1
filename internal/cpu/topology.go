// Package cpu detects the CPU topology and hands out core sets to device processes.
package cpu

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CoreType classifies a physical core on hybrid (P/E) processors.
type CoreType string

const (
	CorePerformance CoreType = "performance"
	CoreEfficiency  CoreType = "efficiency"
	CoreStandard    CoreType = "standard"
)

// PhysicalCore groups the logical CPUs (hardware threads) of one physical core.
type PhysicalCore struct {
	CoreID     int
	Type       CoreType
	LogicalIDs []int
}

// Topology is an immutable snapshot of the host CPU layout.
type Topology struct {
	PhysicalCores int
	LogicalCores  int
	IsHybrid      bool
	Cores         []PhysicalCore
}

// LogicalIDs returns the sorted logical CPU ids of every core of the given type.
func (t *Topology) LogicalIDs(coreType CoreType) []int {
	var ids []int
	for _, c := range t.Cores {
		if c.Type == coreType {
			ids = append(ids, c.LogicalIDs...)
		}
	}
	sort.Ints(ids)
	return ids
}

// AllLogicalIDs returns every logical CPU id, sorted.
func (t *Topology) AllLogicalIDs() []int {
	var ids []int
	for _, c := range t.Cores {
		ids = append(ids, c.LogicalIDs...)
	}
	sort.Ints(ids)
	return ids
}

// PerformanceCores returns the physical ids of P-cores.
func (t *Topology) PerformanceCores() []int { return t.coreIDs(CorePerformance) }

// EfficiencyCores returns the physical ids of E-cores.
func (t *Topology) EfficiencyCores() []int { return t.coreIDs(CoreEfficiency) }

func (t *Topology) coreIDs(coreType CoreType) []int {
	var ids []int
	for _, c := range t.Cores {
		if c.Type == coreType {
			ids = append(ids, c.CoreID)
		}
	}
	return ids
}

// CoreTypeOf returns the type of the physical core owning a logical CPU.
func (t *Topology) CoreTypeOf(logicalID int) CoreType {
	for _, c := range t.Cores {
		for _, id := range c.LogicalIDs {
			if id == logicalID {
				return c.Type
			}
		}
	}
	return CoreStandard
}

// Source provides raw CPU facts. Detect builds a Topology from it.
type Source interface {
	// Counts returns the number of physical (logical=false) or logical CPUs.
	Counts(logical bool) (int, error)

	// Siblings maps each logical CPU id to its physical core key. An empty map
	// means the platform does not expose per-CPU layout.
	Siblings() (map[int]string, error)

	// HybridSets returns the logical ids of performance and efficiency CPUs.
	// Both are empty on non-hybrid processors.
	HybridSets() (pcores, ecores []int, err error)
}

// Detector queries a Source and builds a Topology snapshot.
type Detector struct {
	source Source
}

// NewDetector creates a detector backed by gopsutil and sysfs.
func NewDetector() *Detector {
	return &Detector{source: GopsutilSource{}}
}

// NewDetectorWithSource creates a detector over a custom source (for testing).
func NewDetectorWithSource(s Source) *Detector {
	return &Detector{source: s}
}

// Detect builds a topology snapshot. It has no side effects.
func (d *Detector) Detect() (*Topology, error) {
	logical, err := d.source.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("failed to count logical cpus: %w", err)
	}
	physical, err := d.source.Counts(false)
	if err != nil || physical <= 0 {
		physical = logical
	}
	if logical <= 0 {
		return nil, fmt.Errorf("no cpus detected")
	}

	siblings, err := d.source.Siblings()
	if err != nil {
		siblings = nil
	}

	cores := groupCores(logical, physical, siblings)

	pset, eset, err := d.source.HybridSets()
	hybrid := err == nil && len(pset) > 0 && len(eset) > 0
	if hybrid {
		typed := make(map[int]CoreType, len(pset)+len(eset))
		for _, id := range pset {
			typed[id] = CorePerformance
		}
		for _, id := range eset {
			typed[id] = CoreEfficiency
		}
		for i := range cores {
			if t, ok := typed[cores[i].LogicalIDs[0]]; ok {
				cores[i].Type = t
			}
		}
	}

	return &Topology{
		PhysicalCores: len(cores),
		LogicalCores:  logical,
		IsHybrid:      hybrid,
		Cores:         cores,
	}, nil
}

// groupCores builds physical cores from the sibling map, or spreads logical ids
// evenly over the physical count when the layout is unknown.
func groupCores(logical, physical int, siblings map[int]string) []PhysicalCore {
	if len(siblings) == logical {
		byKey := make(map[string][]int)
		var keys []string
		for id := 0; id < logical; id++ {
			k, ok := siblings[id]
			if !ok {
				byKey = nil
				break
			}
			if _, seen := byKey[k]; !seen {
				keys = append(keys, k)
			}
			byKey[k] = append(byKey[k], id)
		}
		if byKey != nil {
			sort.Slice(keys, func(i, j int) bool { return byKey[keys[i]][0] < byKey[keys[j]][0] })
			cores := make([]PhysicalCore, 0, len(keys))
			for i, k := range keys {
				cores = append(cores, PhysicalCore{CoreID: i, Type: CoreStandard, LogicalIDs: byKey[k]})
			}
			return cores
		}
	}

	if physical > logical {
		physical = logical
	}
	perCore := logical / physical
	cores := make([]PhysicalCore, 0, physical)
	next := 0
	for i := 0; i < physical; i++ {
		n := perCore
		if i < logical%physical {
			n++
		}
		ids := make([]int, 0, n)
		for j := 0; j < n; j++ {
			ids = append(ids, next)
			next++
		}
		cores = append(cores, PhysicalCore{CoreID: i, Type: CoreStandard, LogicalIDs: ids})
	}
	return cores
}

// GopsutilSource reads CPU facts through gopsutil, plus sysfs for hybrid layout.
type GopsutilSource struct{}

func (GopsutilSource) Counts(logical bool) (int, error) {
	return cpu.Counts(logical)
}

func (GopsutilSource) Siblings() (map[int]string, error) {
	infos, err := cpu.Info()
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(infos))
	for _, info := range infos {
		if info.CoreID == "" {
			return nil, nil
		}
		out[int(info.CPU)] = info.PhysicalID + "/" + info.CoreID
	}
	return out, nil
}

const (
	sysfsPerformanceCPUs = "/sys/devices/cpu_core/cpus"
	sysfsEfficiencyCPUs  = "/sys/devices/cpu_atom/cpus"
)

func (GopsutilSource) HybridSets() ([]int, []int, error) {
	p, err := readCPUList(sysfsPerformanceCPUs)
	if err != nil {
		return nil, nil, nil
	}
	e, err := readCPUList(sysfsEfficiencyCPUs)
	if err != nil {
		return nil, nil, nil
	}
	return p, e, nil
}

func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCPUList(strings.TrimSpace(string(data)))
}

// ParseCPUList parses the kernel list format ("0-3,8,10-11").
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}
		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

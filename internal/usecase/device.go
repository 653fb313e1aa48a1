package usecase

import (
	"sort"
	"time"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/script"
)

// DeviceSpec describes a device to register.
type DeviceSpec struct {
	ID        string
	Name      string
	CoreCount int    // Zero uses Config.CoresPerDevice
	MemoryMB  uint64 // Zero uses the process default
}

// DeviceStats is the latest resource sample reported by a device.
type DeviceStats struct {
	CPUPercent float64
	MemoryMB   uint64
	SampledAt  time.Time
}

// Device is a snapshot of a registered device.
type Device struct {
	ID            string
	Name          string
	Status        domain.DeviceStatus
	ProcessID     string
	PID           int
	Cores         []int
	Scripts       []string
	RunningScript string
	LastSeen      time.Time
	LastError     string
	Stats         DeviceStats
}

// ScriptState is where a script is assigned and what it is doing.
type ScriptState struct {
	ScriptID  string
	DeviceID  string
	Status    script.Status
	Error     string
	UpdatedAt time.Time
}

// Stats summarizes the device pool.
type Stats struct {
	TotalDevices   int
	OnlineDevices  int
	RunningDevices int
	TotalScripts   int
	LoadPercent    float64
}

type deviceRecord struct {
	Device
	scripts       map[string]struct{}
	scriptStarted time.Time
}

func (r *deviceRecord) snapshot() Device {
	d := r.Device
	d.Cores = append([]int(nil), r.Cores...)
	d.Scripts = make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		d.Scripts = append(d.Scripts, id)
	}
	sort.Strings(d.Scripts)
	return d
}

// settle derives the online status from the running slot.
func (r *deviceRecord) settle() {
	if !r.Status.IsOnline() {
		return
	}
	if r.RunningScript != "" {
		r.Status = domain.DeviceRunning
	} else {
		r.Status = domain.DeviceIdle
	}
}

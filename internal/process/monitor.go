package process

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
)

// MaxMonitorHistory bounds the samples kept per process.
const MaxMonitorHistory = 1000

// Sample is one resource reading of a managed process.
type Sample struct {
	ProcessID     string
	PID           int
	CPUPercent    float64
	MemoryMB      uint64
	MemoryPercent float64 // Share of system memory
	NumThreads    int32
	SampledAt     time.Time
}

type processHistory struct {
	samples   []Sample
	completed uint64
	failed    uint64
}

// Monitor samples the resource usage of live processes and scores their health.
type Monitor struct {
	mu       sync.RWMutex
	history  map[string]*processHistory
	manager  *Manager
	pm       domain.ProcessManager
	totalMB  uint64
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor over manager's processes. totalMB is system
// memory used to compute memory percentages.
func NewMonitor(manager *Manager, pm domain.ProcessManager, totalMB uint64, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		history:  make(map[string]*processHistory),
		manager:  manager,
		pm:       pm,
		totalMB:  totalMB,
		interval: interval,
		logger:   logger,
	}
}

// Run samples on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleOnce(time.Now())
		}
	}
}

// SampleOnce reads every live process once.
func (m *Monitor) SampleOnce(now time.Time) {
	for _, h := range m.manager.List() {
		if h.PID <= 0 {
			continue
		}
		st, err := m.pm.Stats(h.PID)
		if err != nil {
			m.logger.Debug("failed to sample process",
				zap.String("process_id", h.ProcessID),
				zap.Int("pid", h.PID),
				zap.Error(err))
			continue
		}
		m.Record(m.toSample(h.ProcessID, st, now))
	}
}

func (m *Monitor) toSample(processID string, st *domain.ProcessStats, now time.Time) Sample {
	memMB := st.MemoryRSS / 1024 / 1024
	s := Sample{
		ProcessID:  processID,
		PID:        st.PID,
		CPUPercent: st.CPUPercent,
		MemoryMB:   memMB,
		NumThreads: st.NumThreads,
		SampledAt:  now,
	}
	if m.totalMB > 0 {
		s.MemoryPercent = float64(memMB) / float64(m.totalMB) * 100
	}
	return s
}

// Record appends a sample, evicting the oldest beyond MaxMonitorHistory.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.historyLocked(s.ProcessID)
	h.samples = append(h.samples, s)
	if over := len(h.samples) - MaxMonitorHistory; over > 0 {
		h.samples = append(h.samples[:0:0], h.samples[over:]...)
	}
}

// RecordTask counts a finished task toward processID's success rate.
func (m *Monitor) RecordTask(processID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.historyLocked(processID)
	if success {
		h.completed++
	} else {
		h.failed++
	}
}

func (m *Monitor) historyLocked(processID string) *processHistory {
	h, ok := m.history[processID]
	if !ok {
		h = &processHistory{}
		m.history[processID] = h
	}
	return h
}

// Latest returns the newest sample of processID.
func (m *Monitor) Latest(processID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[processID]
	if !ok || len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// History returns a copy of processID's samples, oldest first.
func (m *Monitor) History(processID string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[processID]
	if !ok {
		return nil
	}
	return append([]Sample(nil), h.samples...)
}

// Forget drops everything known about processID.
func (m *Monitor) Forget(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, processID)
}

// HealthScore rates processID from 0 to 100: cpu load weighs 30%, memory
// 30% and task success rate 40%. A process without samples scores 100.
func (m *Monitor) HealthScore(processID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[processID]
	if !ok {
		return 100
	}

	cpuScore, memScore := 100.0, 100.0
	if n := len(h.samples); n > 0 {
		last := h.samples[n-1]
		cpuScore = usageScore(last.CPUPercent)
		memScore = usageScore(last.MemoryPercent)
	}

	taskScore := 100.0
	if total := h.completed + h.failed; total > 0 {
		taskScore = float64(h.completed) / float64(total) * 100
	}

	score := cpuScore*0.3 + memScore*0.3 + taskScore*0.4
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func usageScore(percent float64) float64 {
	switch {
	case percent > 90:
		return 0
	case percent > 80:
		return 50
	default:
		return 100
	}
}

package api

import (
	"time"

	"github.com/eliteGoblin/devorch/internal/usecase"
)

type healthResponse struct {
	Status        string `json:"status"`
	Devices       int    `json:"devices"`
	OnlineDevices int    `json:"online_devices"`
	Scheduler     string `json:"scheduler,omitempty"`
}

type deviceResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	Cores         []int     `json:"cores"`
	Scripts       []string  `json:"scripts"`
	RunningScript string    `json:"running_script,omitempty"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      uint64    `json:"memory_mb"`
}

func toDeviceResponse(d usecase.Device) deviceResponse {
	resp := deviceResponse{
		ID:            d.ID,
		Name:          d.Name,
		Status:        string(d.Status),
		PID:           d.PID,
		Cores:         d.Cores,
		Scripts:       d.Scripts,
		RunningScript: d.RunningScript,
		LastSeen:      d.LastSeen,
		LastError:     d.LastError,
		CPUPercent:    d.Stats.CPUPercent,
		MemoryMB:      d.Stats.MemoryMB,
	}
	if resp.Cores == nil {
		resp.Cores = []int{}
	}
	if resp.Scripts == nil {
		resp.Scripts = []string{}
	}
	return resp
}

type scriptResponse struct {
	ScriptID  string    `json:"script_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type actionResponse struct {
	ScriptID string `json:"script_id"`
	Action   string `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type poolStats struct {
	Total       int     `json:"total"`
	Online      int     `json:"online"`
	Running     int     `json:"running"`
	Scripts     int     `json:"scripts"`
	LoadPercent float64 `json:"load_percent"`
}

type schedulerStats struct {
	Status                 string `json:"status"`
	UptimeSeconds          int64  `json:"uptime_seconds"`
	TotalScheduledTasks    uint64 `json:"total_scheduled_tasks"`
	SuccessfulTasks        uint64 `json:"successful_tasks"`
	FailedTasks            uint64 `json:"failed_tasks"`
	AverageExecutionTimeMs uint64 `json:"average_execution_time_ms"`
	Pending                int    `json:"pending"`
	Running                int    `json:"running"`
	CompletedToday         uint64 `json:"completed_today"`
	FailedToday            uint64 `json:"failed_today"`
	LoadPercent            int    `json:"load_percent"`
}

type statsResponse struct {
	Devices   poolStats       `json:"devices"`
	Scheduler *schedulerStats `json:"scheduler,omitempty"`
}

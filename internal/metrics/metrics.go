// Package metrics holds the prometheus collectors exported by devorch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devorch"

// CPU allocation metrics
var (
	CoreAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cpu",
		Name:      "allocations_total",
		Help:      "Core allocation attempts by result",
	}, []string{"result"})

	AllocatedCores = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cpu",
		Name:      "allocated_cores",
		Help:      "Number of distinct logical cores currently granted",
	})
)

// Process lifecycle metrics
var (
	ProcessStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "starts_total",
		Help:      "Device process start attempts by result",
	}, []string{"result"})

	ProcessRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "restarts_total",
		Help:      "Device process restarts triggered by the restart policy",
	})

	ManagedProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "managed_count",
		Help:      "Number of device processes under lifecycle management",
	})

	ReservedMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "reserved_memory_mb",
		Help:      "Memory reserved for device processes",
	})
)

// Scheduler metrics
var (
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pending_tasks",
		Help:      "Tasks waiting in the heap and retry queue",
	})

	QueueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "running_tasks",
		Help:      "Tasks currently dispatched to devices",
	})

	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Task dispatch attempts by result",
	}, []string{"result"})

	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "completed_total",
		Help:      "Finished tasks by outcome",
	}, []string{"outcome"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Wall time of finished script executions",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

// Orchestrator metrics
var (
	DevicesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "devices_total",
		Help:      "Registered devices",
	})

	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "devices_online",
		Help:      "Devices that are idle or running a script",
	})
)

// IPC metrics
var (
	IPCMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "messages_sent_total",
		Help:      "Frames written by message type",
	}, []string{"type"})

	IPCMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "messages_received_total",
		Help:      "Frames decoded by message type",
	}, []string{"type"})

	IPCConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "connections",
		Help:      "Registered device connections on the server",
	})

	IPCReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "reconnects_total",
		Help:      "Client reconnect attempts",
	})

	IPCDroppedLogsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "dropped_logs_total",
		Help:      "Log lines dropped by the telemetry lane",
	})
)

// Event metrics
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Status events published, by type",
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber or sink queue was full",
	})
)

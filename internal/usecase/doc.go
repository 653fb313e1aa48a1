// Package usecase binds scripts to devices and drives device processes.
//
// Each shared structure guards itself with its own lock. When an operation
// spans several of them the locks are taken one at a time, never nested,
// in this order:
//
//	DeviceManager.mu
//	scheduler.Scheduler / scheduler.TaskQueue
//	cpu.Allocator
//	process.MemoryManager
//	ipc.Server connection registry
//
// DeviceManager releases its own lock before calling into the scheduler,
// the process manager or the IPC server, and none of those call back into
// a structure earlier in the list while holding their lock. The IPC server
// runs message and disconnect handlers without its registry lock held.
// Status readers may observe intermediate states between these steps.
package usecase

package usecase

import "errors"

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceExists      = errors.New("device already registered")
	ErrDeviceOffline     = errors.New("device is offline")
	ErrDeviceBusy        = errors.New("device already running a script")
	ErrDeviceLimit       = errors.New("device limit reached")
	ErrScriptNotAssigned = errors.New("script is not assigned to a device")
	ErrScriptNotRunning  = errors.New("script is not running")
)

package ipc

import (
	"errors"
	"fmt"
)

// Channel error kinds.
var (
	ErrInitFailed      = errors.New("ipc channel init failed")
	ErrMessageTooLong  = errors.New("message too long")
	ErrChannelClosed   = errors.New("ipc channel closed")
	ErrConnect         = errors.New("ipc connect failed")
	ErrEncode          = errors.New("encode message failed")
	ErrWrite           = errors.New("write failed")
	ErrRead            = errors.New("read failed")
	ErrDecode          = errors.New("decode message failed")
	ErrSend            = errors.New("send failed")
	ErrChannelNotFound = errors.New("ipc channel not found")
)

// ChannelError is a transport failure, optionally tied to a device.
type ChannelError struct {
	Kind     error
	DeviceID string
	Detail   string
	Err      error
}

func (e *ChannelError) Error() string {
	msg := e.Kind.Error()
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.DeviceID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Is(target error) bool { return e.Kind == target }

func (e *ChannelError) Unwrap() error { return e.Err }

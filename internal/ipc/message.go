// Package ipc is the framed local-socket transport between the orchestrator
// and its device processes.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType classifies a message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeCommand      MessageType = "command"
	TypeEvent        MessageType = "event"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStatus       MessageType = "status"
	TypeError        MessageType = "error"
	TypeData         MessageType = "data"
	TypeStream       MessageType = "stream"
	TypeNotification MessageType = "notification"
	TypeBroadcast    MessageType = "broadcast"
	TypeLogger       MessageType = "logger"
)

// PayloadKind tags the concrete payload on the wire.
type PayloadKind string

const (
	KindSocketRegistration    PayloadKind = "socket_registration"
	KindCommand               PayloadKind = "command"
	KindScriptStatusUpdate    PayloadKind = "script_status_update"
	KindDeviceStatusUpdate    PayloadKind = "device_status_update"
	KindScriptExecutionResult PayloadKind = "script_execution_result"
	KindDeviceStats           PayloadKind = "device_stats"
	KindHeartbeat             PayloadKind = "heartbeat"
	KindLogger                PayloadKind = "logger"
	KindError                 PayloadKind = "error"
	KindEmpty                 PayloadKind = "empty"
)

// Payload is one of the message bodies defined in this package.
type Payload interface {
	Kind() PayloadKind
}

// SocketRegistration binds a connection to the sending device.
type SocketRegistration struct {
	PID uint32 `json:"pid"`
}

// CommandAction is what a Command asks the device to do.
type CommandAction string

const (
	ActionStartScript  CommandAction = "start_script"
	ActionStopScript   CommandAction = "stop_script"
	ActionPauseScript  CommandAction = "pause_script"
	ActionResumeScript CommandAction = "resume_script"
	ActionAddScript    CommandAction = "add_script"
	ActionRemoveScript CommandAction = "remove_script"
	ActionGetStatus    CommandAction = "get_status"
	ActionShutdown     CommandAction = "shutdown"
)

// ScriptSpec is what a device needs to run a script.
type ScriptSpec struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Path           string         `json:"path"`
	TimeoutSeconds uint64         `json:"timeout_seconds"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Command is sent from the orchestrator to a device.
type Command struct {
	Action   CommandAction `json:"action"`
	ScriptID string        `json:"script_id,omitempty"`
	Script   *ScriptSpec   `json:"script,omitempty"`
}

// ScriptStatusUpdate reports a script status change on a device.
type ScriptStatusUpdate struct {
	ScriptID string `json:"script_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// DeviceStatusUpdate reports a device status change.
type DeviceStatusUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ResultCancelled is the Error of a ScriptExecutionResult for a run that
// was stopped on request.
const ResultCancelled = "cancelled"

// ScriptExecutionResult is the terminal report of one script run.
type ScriptExecutionResult struct {
	ScriptID   string `json:"script_id"`
	Success    bool   `json:"success"`
	DurationMs uint64 `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// DeviceStats is a periodic resource sample from a device.
type DeviceStats struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryMB      uint64  `json:"memory"`
	RunningScript string  `json:"running_script,omitempty"`
}

// Heartbeat proves the sender is alive.
type Heartbeat struct {
	CPUUsage    float32 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
}

// LogEntry carries a log line. Sent by the orchestrator it changes the
// device's log level instead.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message,omitempty"`
	Module  string `json:"module,omitempty"`
}

// ErrorReport describes a failure on the sending side.
type ErrorReport struct {
	Type    string `json:"type"`
	Code    uint32 `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Empty is an acknowledgement with no body.
type Empty struct{}

func (SocketRegistration) Kind() PayloadKind    { return KindSocketRegistration }
func (Command) Kind() PayloadKind               { return KindCommand }
func (ScriptStatusUpdate) Kind() PayloadKind    { return KindScriptStatusUpdate }
func (DeviceStatusUpdate) Kind() PayloadKind    { return KindDeviceStatusUpdate }
func (ScriptExecutionResult) Kind() PayloadKind { return KindScriptExecutionResult }
func (DeviceStats) Kind() PayloadKind           { return KindDeviceStats }
func (Heartbeat) Kind() PayloadKind             { return KindHeartbeat }
func (LogEntry) Kind() PayloadKind              { return KindLogger }
func (ErrorReport) Kind() PayloadKind           { return KindError }
func (Empty) Kind() PayloadKind                 { return KindEmpty }

// Message is one unit exchanged over a connection. SourceOrTarget is the
// sending device for upstream messages and the target device otherwise.
type Message struct {
	ID             uuid.UUID
	SourceOrTarget string
	Type           MessageType
	Payload        Payload
}

// NewMessageID returns a time-ordered id.
func NewMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewMessage stamps a fresh id on a message.
func NewMessage(deviceID string, typ MessageType, payload Payload) Message {
	if payload == nil {
		payload = Empty{}
	}
	return Message{
		ID:             NewMessageID(),
		SourceOrTarget: deviceID,
		Type:           typ,
		Payload:        payload,
	}
}

// NewCommand builds a command message for deviceID.
func NewCommand(deviceID string, action CommandAction, scriptID string) Message {
	return NewMessage(deviceID, TypeCommand, Command{Action: action, ScriptID: scriptID})
}

// Response builds a reply to m carrying payload.
func (m Message) Response(source string, payload Payload) Message {
	return NewMessage(source, TypeResponse, payload)
}

type envelope struct {
	ID             uuid.UUID       `json:"id"`
	SourceOrTarget string          `json:"source_or_target"`
	Type           MessageType     `json:"message_type"`
	Kind           PayloadKind     `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the payload next to its kind tag.
func (m Message) MarshalJSON() ([]byte, error) {
	p := m.Payload
	if p == nil {
		p = Empty{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:             m.ID,
		SourceOrTarget: m.SourceOrTarget,
		Type:           m.Type,
		Kind:           p.Kind(),
		Payload:        body,
	})
}

// UnmarshalJSON decodes the payload named by the kind tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             env.ID,
		SourceOrTarget: env.SourceOrTarget,
		Type:           env.Type,
		Payload:        p,
	}
	return nil
}

func decodePayload(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindSocketRegistration:
		p = &SocketRegistration{}
	case KindCommand:
		p = &Command{}
	case KindScriptStatusUpdate:
		p = &ScriptStatusUpdate{}
	case KindDeviceStatusUpdate:
		p = &DeviceStatusUpdate{}
	case KindScriptExecutionResult:
		p = &ScriptExecutionResult{}
	case KindDeviceStats:
		p = &DeviceStats{}
	case KindHeartbeat:
		p = &Heartbeat{}
	case KindLogger:
		p = &LogEntry{}
	case KindError:
		p = &ErrorReport{}
	case KindEmpty, "":
		return Empty{}, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

// deref turns the decode target back into the value form senders use, so
// type switches on Payload only need value cases.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SocketRegistration:
		return *v
	case *Command:
		return *v
	case *ScriptStatusUpdate:
		return *v
	case *DeviceStatusUpdate:
		return *v
	case *ScriptExecutionResult:
		return *v
	case *DeviceStats:
		return *v
	case *Heartbeat:
		return *v
	case *LogEntry:
		return *v
	case *ErrorReport:
		return *v
	}
	return p
}

// Encode serialises msg for a frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &ChannelError{Kind: ErrEncode, DeviceID: msg.SourceOrTarget, Err: err}
	}
	return data, nil
}

// Decode parses a frame body.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &ChannelError{Kind: ErrDecode, Err: err}
	}
	return msg, nil
}

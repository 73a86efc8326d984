package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientMessageType enumerates frames sent by the orchestrator to a device.
type ClientMessageType string

const (
	ClientRegister           ClientMessageType = "REGISTER"
	ClientHeartbeat          ClientMessageType = "HEARTBEAT"
	ClientTask               ClientMessageType = "TASK"
	ClientTaskResult         ClientMessageType = "TASK_RESULT"
	ClientDeviceInfoRequest  ClientMessageType = "DEVICE_INFO_REQUEST"
	ClientDeviceInfoResponse ClientMessageType = "DEVICE_INFO_RESPONSE"
	ClientError              ClientMessageType = "ERROR"
)

var clientTypes = map[ClientMessageType]bool{
	ClientRegister:           true,
	ClientHeartbeat:          true,
	ClientTask:               true,
	ClientTaskResult:         true,
	ClientDeviceInfoRequest:  true,
	ClientDeviceInfoResponse: true,
	ClientError:              true,
}

// UnmarshalJSON rejects type strings outside the client family.
func (t *ClientMessageType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !clientTypes[ClientMessageType(s)] {
		return fmt.Errorf("%w: client message type %q", ErrUnknownType, s)
	}
	*t = ClientMessageType(s)
	return nil
}

// ServerMessageType enumerates frames a device sends back.
type ServerMessageType string

const (
	ServerHeartbeat          ServerMessageType = "HEARTBEAT"
	ServerTask               ServerMessageType = "TASK"
	ServerTaskEnd            ServerMessageType = "TASK_END"
	ServerError              ServerMessageType = "ERROR"
	ServerDeviceInfoRequest  ServerMessageType = "DEVICE_INFO_REQUEST"
	ServerDeviceInfoResponse ServerMessageType = "DEVICE_INFO_RESPONSE"
)

var serverTypes = map[ServerMessageType]bool{
	ServerHeartbeat:          true,
	ServerTask:               true,
	ServerTaskEnd:            true,
	ServerError:              true,
	ServerDeviceInfoRequest:  true,
	ServerDeviceInfoResponse: true,
}

// UnmarshalJSON rejects type strings outside the server family.
func (t *ServerMessageType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !serverTypes[ServerMessageType(s)] {
		return fmt.Errorf("%w: server message type %q", ErrUnknownType, s)
	}
	*t = ServerMessageType(s)
	return nil
}

// Status is the status field carried by both message families.
type Status string

const (
	StatusOK       Status = "OK"
	StatusError    Status = "ERROR"
	StatusContinue Status = "CONTINUE"
)

// ClientMessage is a frame written by the orchestrator side.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	Status    Status            `json:"status,omitempty"`
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	TaskName  string            `json:"task_name,omitempty"`
	Request   string            `json:"request,omitempty"`
	Hints     []string          `json:"hints,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Validate checks the fields each client message type requires.
func (m *ClientMessage) Validate() error {
	if !clientTypes[m.Type] {
		return fmt.Errorf("%w: client message type %q", ErrUnknownType, m.Type)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("%w: %s without device_id", ErrInvalidMessage, m.Type)
	}
	switch m.Type {
	case ClientTask:
		if m.RequestID == "" || m.TaskID == "" {
			return fmt.Errorf("%w: TASK requires request_id and task_id", ErrInvalidMessage)
		}
	case ClientRegister, ClientDeviceInfoRequest:
		if m.RequestID == "" {
			return fmt.Errorf("%w: %s requires request_id", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

// ServerMessage is a frame read from a device connection.
type ServerMessage struct {
	Type       ServerMessageType `json:"type"`
	Status     Status            `json:"status,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	ResponseID string            `json:"response_id,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Validate checks the fields each server message type requires.
func (m *ServerMessage) Validate() error {
	if !serverTypes[m.Type] {
		return fmt.Errorf("%w: server message type %q", ErrUnknownType, m.Type)
	}
	switch m.Type {
	case ServerTaskEnd, ServerDeviceInfoResponse:
		if m.ResponseID == "" {
			return fmt.Errorf("%w: %s requires response_id", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

// DecodedResult unmarshals the raw result payload into a generic value.
// An empty payload yields nil.
func (m *ServerMessage) DecodedResult() (any, error) {
	if len(m.Result) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(m.Result, &v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a frame whose type is outside its family.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMessage is returned when a frame misses a required field.
	ErrInvalidMessage = errors.New("invalid message")
)

// EncodeClient serializes an outbound frame after validating it.
func EncodeClient(m *ClientMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// DecodeClient parses a frame written by the orchestrator side.
// Used by device implementations.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeServer serializes a device-side frame.
func EncodeServer(m *ServerMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// DecodeServer parses a frame read from a device connection.
func DecodeServer(data []byte) (*ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Package events is the in-process notification bus shared by the fleet,
// the orchestrator, the graph synchronizer and the edit collaborator.
package events

import (
	"context"
	"time"
)

// Type identifies an event.
type Type string

const (
	ConstellationStarted   Type = "constellation.started"
	ConstellationCompleted Type = "constellation.completed"
	ConstellationModified  Type = "constellation.modified"

	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"

	DeviceConnected    Type = "device.connected"
	DeviceDisconnected Type = "device.disconnected"
	DeviceFailed       Type = "device.failed"
	DeviceTaskResult   Type = "device.task_result"
	DeviceError        Type = "device.error"
)

// Event is a single notification. Fields that do not apply are left empty.
type Event struct {
	ID              string         `json:"id"`
	Type            Type           `json:"type"`
	Timestamp       time.Time      `json:"timestamp"`
	ConstellationID string         `json:"constellation_id,omitempty"`
	TaskID          string         `json:"task_id,omitempty"`
	DeviceID        string         `json:"device_id,omitempty"`
	Status          string         `json:"status,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// Observer is notified synchronously from Publish, in registration order.
// Implementations must return quickly; long work belongs in a goroutine.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Filter selects events for a subscription. Zero values match everything.
type Filter struct {
	ConstellationID string
	DeviceID        string
	Types           []Type
}

func (f Filter) match(ev Event) bool {
	if f.ConstellationID != "" && f.ConstellationID != ev.ConstellationID {
		return false
	}
	if f.DeviceID != "" && f.DeviceID != ev.DeviceID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

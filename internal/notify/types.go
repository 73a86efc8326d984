// Package notify posts orchestration outcomes and device faults to chat
// platforms.
package notify

import (
	"context"
	"time"
)

// Notifier delivers notifications to one platform.
type Notifier interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, n *Notification) error
	Close() error
}

// Kind categorizes notifications.
type Kind string

const (
	KindRunCompleted Kind = "run_completed"
	KindRunFailed    Kind = "run_failed"
	KindDeviceFailed Kind = "device_failed"
)

// Notification is platform-neutral; each Notifier renders it.
type Notification struct {
	Kind            Kind     `json:"kind"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	ConstellationID string   `json:"constellation_id,omitempty"`
	DeviceID        string   `json:"device_id,omitempty"`
	Fields          []Field  `json:"fields,omitempty"`
	Platforms       []string `json:"platforms,omitempty"`
}

// Field is a short name/value pair shown alongside the content.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is a sent notification kept for history.
type Record struct {
	Notification *Notification `json:"notification"`
	SentAt       time.Time     `json:"sent_at"`
	Targets      []string      `json:"targets"`
}

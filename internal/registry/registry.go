package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a device's connection/work state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusFailed       Status = "failed"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDuplicateID    = errors.New("device already registered")
)

// DeviceRecord is the fleet's view of one remote executor.
// Callers only ever receive copies.
type DeviceRecord struct {
	DeviceID           string            `json:"device_id"`
	ServerURL          string            `json:"server_url"`
	OS                 string            `json:"os,omitempty"`
	Status             Status            `json:"status"`
	ConnectionAttempts int               `json:"connection_attempts"`
	MaxRetries         int               `json:"max_retries"`
	CurrentTaskID      string            `json:"current_task_id,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	LastHeartbeatAt    *time.Time        `json:"last_heartbeat_at,omitempty"`
	ConnectedAt        *time.Time        `json:"connected_at,omitempty"`
	RegisteredAt       time.Time         `json:"registered_at"`
}

// HasCapabilities reports whether every required capability is advertised.
func (d DeviceRecord) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range d.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Available reports whether the device can accept work now or after a reconnect.
func (d DeviceRecord) Available() bool {
	return d.Status != StatusFailed
}

// Registration describes a device to add.
type Registration struct {
	DeviceID     string
	ServerURL    string
	OS           string
	Capabilities []string
	Metadata     map[string]string
	MaxRetries   int
}

// Registry is the in-memory table of device records. It is the only
// component that mutates a DeviceRecord.
type Registry struct {
	devices map[string]*DeviceRecord
	mu      sync.RWMutex
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*DeviceRecord),
		logger:  logger,
	}
}

// Register adds a device in the DISCONNECTED state.
func (r *Registry) Register(reg Registration) (DeviceRecord, error) {
	if reg.DeviceID == "" {
		return DeviceRecord{}, fmt.Errorf("register device: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[reg.DeviceID]; ok {
		return DeviceRecord{}, fmt.Errorf("register %s: %w", reg.DeviceID, ErrDuplicateID)
	}
	rec := &DeviceRecord{
		DeviceID:     reg.DeviceID,
		ServerURL:    reg.ServerURL,
		OS:           reg.OS,
		Status:       StatusDisconnected,
		MaxRetries:   reg.MaxRetries,
		Capabilities: normalize(reg.Capabilities),
		Metadata:     copyMeta(reg.Metadata),
		RegisteredAt: time.Now(),
	}
	r.devices[reg.DeviceID] = rec
	r.logger.Info("registered device",
		zap.String("device", reg.DeviceID),
		zap.String("url", reg.ServerURL),
		zap.Strings("capabilities", rec.Capabilities))
	return rec.clone(), nil
}

// Unregister removes a device.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("unregister %s: %w", id, ErrDeviceNotFound)
	}
	delete(r.devices, id)
	return nil
}

// Get returns a copy of a device record.
func (r *Registry) Get(id string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records ordered by device id.
func (r *Registry) List() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// IDs returns all device ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithStatus returns copies of records in any of the given states.
func (r *Registry) WithStatus(states ...Status) []DeviceRecord {
	var out []DeviceRecord
	for _, rec := range r.List() {
		for _, s := range states {
			if rec.Status == s {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// Status returns a device's current status.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[id]
	if !ok {
		return "", fmt.Errorf("status %s: %w", id, ErrDeviceNotFound)
	}
	return rec.Status, nil
}

// SetStatus changes a device's status and returns the previous one.
func (r *Registry) SetStatus(id string, status Status) (Status, error) {
	var prev Status
	err := r.update(id, func(rec *DeviceRecord) {
		prev = rec.Status
		rec.Status = status
		if status == StatusConnected {
			now := time.Now()
			rec.ConnectedAt = &now
		}
	})
	if err == nil && prev != status {
		r.logger.Debug("device status changed",
			zap.String("device", id),
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	return prev, err
}

// CompareAndSetStatus changes the status only when it currently equals from.
func (r *Registry) CompareAndSetStatus(id string, from, to Status) (bool, error) {
	swapped := false
	err := r.update(id, func(rec *DeviceRecord) {
		if rec.Status == from {
			rec.Status = to
			swapped = true
		}
	})
	return swapped, err
}

// SetCurrentTask records the task running on a device ("" clears it).
func (r *Registry) SetCurrentTask(id, taskID string) error {
	return r.update(id, func(rec *DeviceRecord) { rec.CurrentTaskID = taskID })
}

// IncrementAttempts bumps the manual connection attempt counter.
func (r *Registry) IncrementAttempts(id string) (int, error) {
	var n int
	err := r.update(id, func(rec *DeviceRecord) {
		rec.ConnectionAttempts++
		n = rec.ConnectionAttempts
	})
	return n, err
}

// ResetAttempts zeroes the connection attempt counter.
func (r *Registry) ResetAttempts(id string) error {
	return r.update(id, func(rec *DeviceRecord) { rec.ConnectionAttempts = 0 })
}

// TouchHeartbeat records an inbound heartbeat.
func (r *Registry) TouchHeartbeat(id string, at time.Time) error {
	return r.update(id, func(rec *DeviceRecord) { rec.LastHeartbeatAt = &at })
}

// MergeInfo merges reported OS, capabilities and metadata into the record.
func (r *Registry) MergeInfo(id, os string, capabilities []string, metadata map[string]string) error {
	return r.update(id, func(rec *DeviceRecord) {
		if os != "" {
			rec.OS = os
		}
		rec.Capabilities = normalize(append(rec.Capabilities, capabilities...))
		if len(metadata) > 0 && rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			rec.Metadata[k] = v
		}
	})
}

func (r *Registry) update(id string, fn func(rec *DeviceRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}
	fn(rec)
	return nil
}

func (d *DeviceRecord) clone() DeviceRecord {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.Metadata = copyMeta(d.Metadata)
	if d.LastHeartbeatAt != nil {
		t := *d.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	if d.ConnectedAt != nil {
		t := *d.ConnectedAt
		c.ConnectedAt = &t
	}
	return c
}

func normalize(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

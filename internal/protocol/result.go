package protocol

import (
	"fmt"
	"time"
)

// ResultStatus is the terminal outcome of a task execution.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
)

// Metadata keys carried by failed results.
const (
	MetaDisconnected  = "disconnected"
	MetaErrorCategory = "error_category"
	MetaTimeout       = "timeout"
	MetaDeviceID      = "device_id"
)

// Error categories set under MetaErrorCategory.
const (
	CategoryTimeout      = "timeout"
	CategoryDisconnected = "disconnected"
	CategoryCancelled    = "cancelled"
	CategorySendFailed   = "send_failed"
	CategoryUnavailable  = "device_unavailable"
	CategoryDevice       = "device_error"
)

// ExecutionResult is the only value reporting task outcome across the
// fleet/orchestrator boundary. Failures are values, never errors.
type ExecutionResult struct {
	TaskID     string         `json:"task_id"`
	DeviceID   string         `json:"device_id,omitempty"`
	Status     ResultStatus   `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Succeeded reports whether the task completed.
func (r *ExecutionResult) Succeeded() bool { return r.Status == ResultCompleted }

// Disconnected reports whether the failure was caused by connection loss.
func (r *ExecutionResult) Disconnected() bool {
	v, _ := r.Metadata[MetaDisconnected].(bool)
	return v
}

// Category returns the structured failure category, or "".
func (r *ExecutionResult) Category() string {
	v, _ := r.Metadata[MetaErrorCategory].(string)
	return v
}

// Failed builds a FAILED result with the given category.
func Failed(taskID, deviceID, category, msg string) *ExecutionResult {
	return &ExecutionResult{
		TaskID:   taskID,
		DeviceID: deviceID,
		Status:   ResultFailed,
		Error:    msg,
		Metadata: map[string]any{
			MetaErrorCategory: category,
			MetaDeviceID:      deviceID,
		},
		FinishedAt: time.Now(),
	}
}

// DisconnectedResult builds the FAILED result synthesized on connection loss.
func DisconnectedResult(taskID, deviceID, reason string) *ExecutionResult {
	r := Failed(taskID, deviceID, CategoryDisconnected,
		fmt.Sprintf("device %s disconnected: %s", deviceID, reason))
	r.Metadata[MetaDisconnected] = true
	return r
}

// TimeoutResult builds the FAILED result returned when a task reply never came.
func TimeoutResult(taskID, deviceID string, timeout time.Duration) *ExecutionResult {
	r := Failed(taskID, deviceID, CategoryTimeout,
		fmt.Sprintf("task %s timed out after %s on device %s", taskID, timeout, deviceID))
	r.Metadata[MetaTimeout] = timeout.Seconds()
	return r
}

// TaskRequest is the opaque unit of work handed to a device.
type TaskRequest struct {
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Hints       []string       `json:"hints,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DeviceInfo is what a device reports in DEVICE_INFO_RESPONSE.
type DeviceInfo struct {
	DeviceID     string         `json:"device_id"`
	OS           string         `json:"os,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

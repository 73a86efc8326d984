package constellation

import (
	"fmt"
	"time"
)

// TaskStatus is the execution state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusReady     TaskStatus = "READY"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the task has been handed to a device.
func (s TaskStatus) Active() bool {
	return s == StatusReady || s == StatusRunning
}

func (s TaskStatus) rank() int {
	switch s {
	case StatusReady:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return 0
}

// validTransitions defines allowed task status transitions. READY is skipped
// when a task starts without queueing.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusReady, StatusRunning, StatusFailed},
	StatusReady:   {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to TaskStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transitions from %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// TaskStar is one unit of work in a constellation.
type TaskStar struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	Status               TaskStatus `json:"status"`
	TargetDeviceID       string     `json:"target_device_id,omitempty"`
	Hints                []string   `json:"hints,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	Result               any        `json:"result,omitempty"`
	Error                string     `json:"error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

func (t *TaskStar) clone() TaskStar {
	c := *t
	c.Hints = append([]string(nil), t.Hints...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return c
}

// LineKind distinguishes plain ordering edges from predicate-gated ones.
type LineKind string

const (
	Unconditional LineKind = "unconditional"
	Conditional   LineKind = "conditional"
)

// TaskStarLine is a dependency: To may not start until From is satisfied.
type TaskStarLine struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Kind      LineKind `json:"kind"`
	Condition string   `json:"condition,omitempty"`
}

package orchestrator

import (
	"time"

	"github.com/nidhogg/constellation/internal/constellation"
)

// Outcome is the overall result of one orchestration.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Assignment controls how tasks get their devices before execution starts.
//
// Manual entries are applied first. Tasks still without a device are given
// one by Strategy when set. With neither, every task must already carry a
// target device.
type Assignment struct {
	Manual   map[string]string
	Strategy Strategy
}

// TaskOutcome is the final state of one task.
type TaskOutcome struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	DeviceID   string                   `json:"device_id,omitempty"`
	Status     constellation.TaskStatus `json:"status"`
	Result     any                      `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

// Result summarizes an orchestration.
type Result struct {
	ConstellationID string        `json:"constellation_id"`
	Name            string        `json:"name"`
	Status          Outcome       `json:"status"`
	Tasks           []TaskOutcome `json:"tasks"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	NeverStarted    int           `json:"never_started"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        string        `json:"duration"`
	// Error is set when the run was aborted rather than run to the end.
	Error string `json:"error,omitempty"`
}

func summarize(c *constellation.Constellation, started time.Time, runErr error) *Result {
	finished := time.Now()
	res := &Result{
		ConstellationID: c.ID(),
		Name:            c.Name(),
		StartedAt:       started,
		FinishedAt:      finished,
		Duration:        finished.Sub(started).Round(time.Millisecond).String(),
	}
	for _, t := range c.Tasks() {
		res.Tasks = append(res.Tasks, TaskOutcome{
			ID:         t.ID,
			Name:       t.Name,
			DeviceID:   t.TargetDeviceID,
			Status:     t.Status,
			Result:     t.Result,
			Error:      t.Error,
			StartedAt:  t.StartedAt,
			FinishedAt: t.FinishedAt,
		})
		switch t.Status {
		case constellation.StatusCompleted:
			res.Completed++
		case constellation.StatusFailed:
			res.Failed++
		case constellation.StatusPending, constellation.StatusReady:
			res.NeverStarted++
		}
	}
	res.Status = OutcomeCompleted
	if runErr != nil || res.Completed != len(res.Tasks) {
		res.Status = OutcomeFailed
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

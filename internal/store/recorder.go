package store

import (
	"context"
	"time"

	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"go.uber.org/zap"
)

// Writer is the write side of the history store.
type Writer interface {
	StartRun(ctx context.Context, id, name string, taskCount int, startedAt time.Time) error
	FinishRun(ctx context.Context, r Run) error
	RecordTask(ctx context.Context, tr TaskResult) error
	RecordDeviceEvent(ctx context.Context, ev DeviceEvent) error
}

// RecordedTypes are the bus events a Recorder persists.
var RecordedTypes = []events.Type{
	events.ConstellationStarted,
	events.ConstellationCompleted,
	events.TaskCompleted,
	events.TaskFailed,
	events.DeviceConnected,
	events.DeviceDisconnected,
	events.DeviceFailed,
	events.DeviceError,
}

// Recorder persists bus events. Write failures are logged and skipped so a
// database outage never stalls orchestration.
type Recorder struct {
	w      Writer
	logger *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(w Writer, logger *zap.Logger) *Recorder {
	return &Recorder{w: w, logger: logger}
}

// Run consumes events until the channel closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Warn("record event",
					zap.String("type", string(ev.Type)),
					zap.String("constellation", ev.ConstellationID),
					zap.Error(err))
			}
		}
	}
}

// Record persists a single event. Types that are not recorded are ignored.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ConstellationStarted:
		name, _ := ev.Data["name"].(string)
		count, _ := ev.Data["tasks"].(int)
		return r.w.StartRun(ctx, ev.ConstellationID, name, count, stamp(ev))

	case events.ConstellationCompleted:
		run := Run{ID: ev.ConstellationID, Status: ev.Status, Error: ev.Error}
		if res, ok := ev.Result.(*orchestrator.Result); ok {
			finished := res.FinishedAt
			run.Name = res.Name
			run.TaskCount = len(res.Tasks)
			run.Completed = res.Completed
			run.Failed = res.Failed
			run.NeverStarted = res.NeverStarted
			run.StartedAt = res.StartedAt
			run.FinishedAt = &finished
		}
		return r.w.FinishRun(ctx, run)

	case events.TaskCompleted, events.TaskFailed:
		return r.w.RecordTask(ctx, TaskResult{
			RunID:      ev.ConstellationID,
			TaskID:     ev.TaskID,
			DeviceID:   ev.DeviceID,
			Status:     ev.Status,
			Result:     ev.Result,
			Error:      ev.Error,
			RecordedAt: stamp(ev),
		})

	case events.DeviceConnected, events.DeviceDisconnected, events.DeviceFailed, events.DeviceError:
		return r.w.RecordDeviceEvent(ctx, DeviceEvent{
			DeviceID:   ev.DeviceID,
			Type:       string(ev.Type),
			Status:     ev.Status,
			Error:      ev.Error,
			OccurredAt: stamp(ev),
		})
	}
	return nil
}

func stamp(ev events.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}

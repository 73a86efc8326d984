// Package editor connects an external graph-editing collaborator to the
// orchestrator. The collaborator reacts to finished tasks by changing the
// live constellation; the Agent makes sure every reaction ends with a
// ConstellationModified event so the scheduler can stop waiting.
package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/events"
	"go.uber.org/zap"
)

// Completion describes the task an edit reacts to.
type Completion struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	Succeeded       bool
	Result          any
	Error           string
}

// Editor changes a draft of the constellation in reaction to a completed
// task. The draft is a private copy; the Agent adopts it into the live
// graph when Edit returns nil.
type Editor interface {
	Edit(ctx context.Context, draft *constellation.Constellation, done Completion) error
}

// Func adapts a function to Editor.
type Func func(ctx context.Context, draft *constellation.Constellation, done Completion) error

// Edit calls f.
func (f Func) Edit(ctx context.Context, draft *constellation.Constellation, done Completion) error {
	return f(ctx, draft, done)
}

// Passthrough never changes anything.
type Passthrough struct{}

// Edit implements Editor.
func (Passthrough) Edit(context.Context, *constellation.Constellation, Completion) error { return nil }

// Source looks up live constellations. *orchestrator.Orchestrator
// implements it.
type Source interface {
	Constellation(id string) (*constellation.Constellation, bool)
}

// Agent is an events.Observer that runs the Editor for every finished task.
type Agent struct {
	editor  Editor
	source  Source
	bus     events.Publisher
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup

	logger *zap.Logger
}

// NewAgent creates an Agent. A positive timeout bounds each Edit call.
func NewAgent(ed Editor, source Source, bus events.Publisher, timeout time.Duration, logger *zap.Logger) *Agent {
	return &Agent{
		editor:  ed,
		source:  source,
		bus:     bus,
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
		logger:  logger,
	}
}

// OnEvent implements events.Observer.
func (a *Agent) OnEvent(_ context.Context, ev events.Event) {
	switch ev.Type {
	case events.TaskCompleted, events.TaskFailed:
		if ev.ConstellationID == "" || ev.TaskID == "" {
			return
		}
		done := Completion{
			ConstellationID: ev.ConstellationID,
			TaskID:          ev.TaskID,
			DeviceID:        ev.DeviceID,
			Succeeded:       ev.Type == events.TaskCompleted,
			Result:          ev.Result,
			Error:           ev.Error,
		}
		lock := a.lock(ev.ConstellationID)
		a.wg.Add(1)
		go a.react(lock, done)
	case events.ConstellationCompleted:
		a.mu.Lock()
		delete(a.locks, ev.ConstellationID)
		a.mu.Unlock()
	}
}

func (a *Agent) lock(constellationID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[constellationID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[constellationID] = l
	}
	return l
}

// react edits one constellation at a time, so a later reaction always starts
// from a graph that already contains the earlier one's changes.
func (a *Agent) react(lock *sync.Mutex, done Completion) {
	defer a.wg.Done()
	lock.Lock()
	defer lock.Unlock()

	changed, err := a.apply(done)
	if err != nil {
		a.logger.Warn("graph edit failed",
			zap.String("constellation", done.ConstellationID),
			zap.String("task", done.TaskID),
			zap.Error(err))
	}

	ev := events.Event{
		Type:            events.ConstellationModified,
		ConstellationID: done.ConstellationID,
		TaskID:          done.TaskID,
		Data:            map[string]any{"changed": changed},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.bus.Publish(context.Background(), ev)
}

func (a *Agent) apply(done Completion) (changed bool, err error) {
	live, ok := a.source.Constellation(done.ConstellationID)
	if !ok {
		return false, nil
	}

	// Fetch the graph now rather than trusting what the event carried.
	draft := live.Snapshot()
	before := fingerprint(draft)

	ctx := context.Background()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.editor.Edit(ctx, draft, done); err != nil {
		return false, fmt.Errorf("edit after task %s: %w", done.TaskID, err)
	}
	if err := draft.Validate(); err != nil {
		return false, fmt.Errorf("edit after task %s left the graph invalid: %w", done.TaskID, err)
	}
	if fingerprint(draft) == before {
		return false, nil
	}
	live.Adopt(draft)
	a.logger.Info("graph edited",
		zap.String("constellation", done.ConstellationID),
		zap.String("task", done.TaskID),
		zap.Int("tasks", live.Len()))
	return true, nil
}

// Wait blocks until every started reaction has published its event.
func (a *Agent) Wait() { a.wg.Wait() }

func fingerprint(c *constellation.Constellation) string {
	b, err := c.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

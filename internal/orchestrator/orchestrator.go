// Package orchestrator runs constellations on the device fleet.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/config"
	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/metrics"
	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/registry"
	"go.uber.org/zap"
)

// MetaConstellationID is set on every task request.
const MetaConstellationID = "constellation_id"

var (
	ErrAlreadyActive = errors.New("constellation is already running")
	ErrNoStrategy    = errors.New("task has no device and no assignment strategy is configured")
)

// Fleet is what the orchestrator needs from the device fleet.
// *fleet.Manager implements it.
type Fleet interface {
	Submit(ctx context.Context, deviceID string, req protocol.TaskRequest, onStart func()) <-chan *protocol.ExecutionResult
	Devices() []registry.DeviceRecord
	Load(deviceID string) int
}

// Waiter blocks until in-flight graph edits for a constellation are done.
// *synchronizer.Synchronizer implements it.
type Waiter interface {
	WaitForPendingModifications(ctx context.Context, constellationID string) (bool, error)
}

// Orchestrator schedules ready tasks onto devices until a constellation has
// nothing left to run.
type Orchestrator struct {
	fleet    Fleet
	waiter   Waiter
	bus      events.Publisher
	strategy Strategy

	mu     sync.RWMutex
	active map[string]*constellation.Constellation

	logger *zap.Logger
}

// New creates an orchestrator. cfg.Strategy, when set, assigns devices to
// tasks an editor adds mid-run without one.
func New(cfg *config.OrchestratorConfig, fleet Fleet, waiter Waiter, bus events.Publisher, logger *zap.Logger) (*Orchestrator, error) {
	strategy, err := StrategyFor(cfg.Strategy, fleet.Load)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		fleet:    fleet,
		waiter:   waiter,
		bus:      bus,
		strategy: strategy,
		active:   make(map[string]*constellation.Constellation),
		logger:   logger,
	}, nil
}

// Constellation returns the live graph of a running orchestration.
func (o *Orchestrator) Constellation(id string) (*constellation.Constellation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.active[id]
	return c, ok
}

// Active returns the running constellations, sorted by id.
func (o *Orchestrator) Active() []*constellation.Constellation {
	o.mu.RLock()
	out := make([]*constellation.Constellation, 0, len(o.active))
	for _, c := range o.active {
		out = append(out, c)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (o *Orchestrator) register(c *constellation.Constellation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[c.ID()]; ok {
		return fmt.Errorf("orchestrate %s: %w", c.ID(), ErrAlreadyActive)
	}
	o.active[c.ID()] = c
	return nil
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// finished is one execution coming back to the loop.
type finished struct {
	taskID string
	res    *protocol.ExecutionResult
}

// Orchestrate validates c, assigns devices and runs it to the end. Task
// failures are reported in the Result, not as an error. An error is
// returned when validation fails (nothing ran) or the run was aborted; in
// the latter case the Result describes the partial run.
func (o *Orchestrator) Orchestrate(ctx context.Context, c *constellation.Constellation, a Assignment) (*Result, error) {
	if err := c.Validate(); err != nil {
		metrics.Orchestrations.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("orchestrate %s: %w", c.ID(), err)
	}
	if err := o.assign(c, a); err != nil {
		metrics.Orchestrations.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("orchestrate %s: %w", c.ID(), err)
	}
	if err := o.register(c); err != nil {
		return nil, err
	}
	defer o.unregister(c.ID())
	if err := c.Start(); err != nil {
		return nil, err
	}

	started := time.Now()
	log := o.logger.With(zap.String("constellation", c.ID()))
	log.Info("orchestration started", zap.String("name", c.Name()), zap.Int("tasks", c.Len()))
	o.bus.Publish(ctx, events.Event{
		Type:            events.ConstellationStarted,
		ConstellationID: c.ID(),
		Status:          string(constellation.StateExecuting),
		Data:            map[string]any{"name": c.Name(), "tasks": c.Len()},
	})

	runErr := o.run(ctx, c, a, log)

	c.Finish()
	res := summarize(c, started, runErr)
	outcome := string(res.Status)
	if runErr != nil {
		outcome = "aborted"
		log.Error("orchestration aborted", zap.Error(runErr))
	} else {
		log.Info("orchestration finished",
			zap.String("status", string(res.Status)),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("never_started", res.NeverStarted))
	}
	metrics.Orchestrations.WithLabelValues(outcome).Inc()
	o.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:            events.ConstellationCompleted,
		ConstellationID: c.ID(),
		Status:          string(res.Status),
		Result:          res,
		Error:           res.Error,
	})
	return res, runErr
}

// run is the scheduling loop.
func (o *Orchestrator) run(ctx context.Context, c *constellation.Constellation, a Assignment, log *zap.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan finished)
	inflight := make(map[string]bool)

	for {
		// An edit reacting to the last completion may still add work, so
		// wait for it before deciding whether anything is left.
		if _, err := o.waiter.WaitForPendingModifications(runCtx, c.ID()); err != nil {
			return fmt.Errorf("wait for graph edits: %w", err)
		}
		if c.IsComplete() {
			break
		}

		// Edits may have changed readiness while we waited.
		resetPicks(a.Strategy)
		resetPicks(o.strategy)
		placementFailed := false
		for _, t := range c.ReadyTasks() {
			if inflight[t.ID] {
				continue
			}
			deviceID, err := o.deviceFor(c, t, a)
			if err != nil {
				log.Warn("cannot place task", zap.String("task", t.ID), zap.Error(err))
				o.record(runCtx, c, t.ID, protocol.Failed(t.ID, "", protocol.CategoryUnavailable, err.Error()))
				placementFailed = true
				continue
			}
			if err := c.MarkReady(t.ID); err != nil {
				log.Warn("task changed before dispatch", zap.String("task", t.ID), zap.Error(err))
				continue
			}
			inflight[t.ID] = true
			o.launch(runCtx, c, t, deviceID, done, log)
		}

		if len(inflight) == 0 {
			if placementFailed {
				continue
			}
			if !c.IsComplete() {
				log.Warn("no ready tasks and nothing running; stopping",
					zap.Strings("stuck", pendingIDs(c)))
			}
			break
		}

		select {
		case f := <-done:
			delete(inflight, f.taskID)
			o.record(runCtx, c, f.taskID, f.res)
		case <-runCtx.Done():
			return runCtx.Err()
		}
	drain:
		for {
			select {
			case f := <-done:
				delete(inflight, f.taskID)
				o.record(runCtx, c, f.taskID, f.res)
			default:
				break drain
			}
		}
	}

	for len(inflight) > 0 {
		select {
		case f := <-done:
			delete(inflight, f.taskID)
			o.record(runCtx, c, f.taskID, f.res)
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
	return nil
}

// launch hands one task to the fleet. The result comes back on done.
func (o *Orchestrator) launch(ctx context.Context, c *constellation.Constellation, t constellation.TaskStar, deviceID string, done chan<- finished, log *zap.Logger) {
	req := protocol.TaskRequest{
		TaskID:      t.ID,
		Name:        t.Name,
		Description: t.Description,
		Hints:       t.Hints,
		Metadata:    map[string]any{MetaConstellationID: c.ID()},
	}
	log.Debug("dispatching task", zap.String("task", t.ID), zap.String("device", deviceID))

	go func() {
		resCh := o.fleet.Submit(ctx, deviceID, req, func() {
			if err := c.MarkRunning(t.ID); err != nil {
				log.Warn("mark running", zap.String("task", t.ID), zap.Error(err))
			}
			o.bus.Publish(ctx, events.Event{
				Type:            events.TaskStarted,
				ConstellationID: c.ID(),
				TaskID:          t.ID,
				DeviceID:        deviceID,
				Status:          string(constellation.StatusRunning),
			})
		})
		var res *protocol.ExecutionResult
		select {
		case res = <-resCh:
		case <-ctx.Done():
			return
		}
		select {
		case done <- finished{taskID: t.ID, res: res}:
		case <-ctx.Done():
		}
	}()
}

// record applies a result to the graph and then publishes it. The graph is
// updated first so that observers reacting to the event see it.
func (o *Orchestrator) record(ctx context.Context, c *constellation.Constellation, taskID string, res *protocol.ExecutionResult) {
	ev := events.Event{
		ConstellationID: c.ID(),
		TaskID:          taskID,
		DeviceID:        res.DeviceID,
		Result:          res.Result,
		Error:           res.Error,
		Data:            map[string]any{"metadata": res.Metadata},
	}
	var err error
	if res.Succeeded() {
		err = c.MarkCompleted(taskID, res.Result)
		ev.Type = events.TaskCompleted
		ev.Status = string(constellation.StatusCompleted)
	} else {
		err = c.MarkFailed(taskID, res.Error)
		ev.Type = events.TaskFailed
		ev.Status = string(constellation.StatusFailed)
	}
	if err != nil {
		o.logger.Warn("record task result",
			zap.String("constellation", c.ID()),
			zap.String("task", taskID),
			zap.Error(err))
	}
	o.bus.Publish(ctx, ev)
}

// assign resolves a device for every task before the run starts.
func (o *Orchestrator) assign(c *constellation.Constellation, a Assignment) error {
	var unknownTasks []string
	for taskID, deviceID := range a.Manual {
		if err := c.AssignDevice(taskID, deviceID); err != nil {
			unknownTasks = append(unknownTasks, taskID)
		}
	}
	if len(unknownTasks) > 0 {
		sort.Strings(unknownTasks)
		return fmt.Errorf("manual assignment names tasks %s: %w",
			strings.Join(unknownTasks, ", "), constellation.ErrTaskNotFound)
	}

	devices := o.fleet.Devices()
	if a.Strategy != nil {
		resetPicks(a.Strategy)
		for _, t := range c.Tasks() {
			if t.TargetDeviceID != "" || t.Status != constellation.StatusPending {
				continue
			}
			deviceID, err := a.Strategy.Pick(t, devices)
			if err != nil {
				continue // reported below as unassigned
			}
			if err := c.AssignDevice(t.ID, deviceID); err != nil {
				return err
			}
		}
	}

	known := make(map[string]bool, len(devices))
	verr := &constellation.ValidationError{}
	for _, d := range devices {
		known[d.DeviceID] = true
		verr.KnownDevices = append(verr.KnownDevices, d.DeviceID)
	}
	sort.Strings(verr.KnownDevices)
	for _, t := range c.Tasks() {
		if t.Status.Terminal() {
			continue
		}
		switch {
		case t.TargetDeviceID == "":
			verr.UnassignedTasks = append(verr.UnassignedTasks, t.ID)
		case !known[t.TargetDeviceID]:
			verr.UnknownDeviceTasks = append(verr.UnknownDeviceTasks, t.ID)
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// deviceFor returns the task's device, assigning one to tasks added
// mid-run when a strategy is available.
func (o *Orchestrator) deviceFor(c *constellation.Constellation, t constellation.TaskStar, a Assignment) (string, error) {
	if t.TargetDeviceID != "" {
		return t.TargetDeviceID, nil
	}
	if d, ok := a.Manual[t.ID]; ok {
		return d, c.AssignDevice(t.ID, d)
	}
	strategy := a.Strategy
	if strategy == nil {
		strategy = o.strategy
	}
	if strategy == nil {
		return "", fmt.Errorf("task %s: %w", t.ID, ErrNoStrategy)
	}
	deviceID, err := strategy.Pick(t, o.fleet.Devices())
	if err != nil {
		return "", err
	}
	return deviceID, c.AssignDevice(t.ID, deviceID)
}

// resetPicks clears the per-pass bookkeeping of strategies that keep it, so
// picks from an earlier pass are not counted on top of the live load.
func resetPicks(s Strategy) {
	if r, ok := s.(interface{ Reset() }); ok {
		r.Reset()
	}
}

func pendingIDs(c *constellation.Constellation) []string {
	var ids []string
	for _, t := range c.Tasks() {
		if t.Status == constellation.StatusPending {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

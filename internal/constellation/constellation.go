// Package constellation is the task graph: tasks (stars), dependencies
// (lines) and the readiness rules the orchestrator schedules from.
package constellation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrTaskReferenced    = errors.New("task still has dependencies")
	ErrTaskActive        = errors.New("task is scheduled or running")
	ErrLineNotFound      = errors.New("dependency not found")
	ErrDuplicateLine     = errors.New("dependency already exists")
	ErrSelfDependency    = errors.New("task cannot depend on itself")
	ErrCycle             = errors.New("dependency would create a cycle")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidCondition  = errors.New("invalid condition")
	ErrImmutableField    = errors.New("field cannot be edited")
)

// State is the lifecycle of a whole constellation.
type State string

const (
	StateCreated   State = "CREATED"
	StateExecuting State = "EXECUTING"
	StateComplete  State = "COMPLETE"
)

// Constellation is a DAG of tasks. All methods are safe for concurrent use;
// accessors return copies.
type Constellation struct {
	mu sync.RWMutex

	id         string
	name       string
	state      State
	tasks      map[string]*TaskStar
	order      []string
	lines      map[string]*TaskStarLine
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time

	eval *Evaluator
}

// New creates an empty constellation. An empty id is replaced by a UUID.
func New(id, name string) *Constellation {
	if id == "" {
		id = uuid.New().String()
	}
	return &Constellation{
		id:        id,
		name:      name,
		state:     StateCreated,
		tasks:     make(map[string]*TaskStar),
		lines:     make(map[string]*TaskStarLine),
		createdAt: time.Now(),
		eval:      defaultEvaluator,
	}
}

func (c *Constellation) ID() string   { return c.id }
func (c *Constellation) Name() string { return c.name }

// State returns the lifecycle state.
func (c *Constellation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start moves a CREATED constellation to EXECUTING.
func (c *Constellation) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return fmt.Errorf("start constellation %s: state is %s", c.id, c.state)
	}
	now := time.Now()
	c.state = StateExecuting
	c.startedAt = &now
	return nil
}

// Finish marks the constellation COMPLETE. Calling it twice is harmless.
func (c *Constellation) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateComplete {
		return
	}
	now := time.Now()
	c.state = StateComplete
	c.finishedAt = &now
}

// Times returns when execution started and finished, if it has.
func (c *Constellation) Times() (started, finished *time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyTime(c.startedAt), copyTime(c.finishedAt)
}

// AddTask inserts a new PENDING task and returns its id. An empty id is
// replaced by a UUID.
func (c *Constellation) AddTask(t TaskStar) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTaskLocked(t)
}

func (c *Constellation) addTaskLocked(t TaskStar) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, ok := c.tasks[t.ID]; ok {
		return "", fmt.Errorf("add task %s: %w", t.ID, ErrDuplicateTask)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	stored := t.clone()
	c.tasks[t.ID] = &stored
	c.order = append(c.order, t.ID)
	return t.ID, nil
}

// RemoveTask deletes a task. Incident dependencies must be removed first, and
// a task that is scheduled or running cannot be removed.
func (c *Constellation) RemoveTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("remove task %s: %w", id, ErrTaskNotFound)
	}
	if t.Status.Active() {
		return fmt.Errorf("remove task %s: %w", id, ErrTaskActive)
	}
	var incident []string
	for _, l := range c.lines {
		if l.From == id || l.To == id {
			incident = append(incident, l.ID)
		}
	}
	if len(incident) > 0 {
		sort.Strings(incident)
		return fmt.Errorf("remove task %s: %w: %s", id, ErrTaskReferenced, strings.Join(incident, ", "))
	}
	delete(c.tasks, id)
	for i, tid := range c.order {
		if tid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateTask applies a content edit. The id, status, result, error and
// timestamps belong to the scheduler and cannot be changed here.
func (c *Constellation) UpdateTask(id string, edit func(t *TaskStar)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, ErrTaskNotFound)
	}
	draft := t.clone()
	edit(&draft)
	if draft.ID != t.ID || draft.Status != t.Status || draft.Error != t.Error {
		return fmt.Errorf("update task %s: %w", id, ErrImmutableField)
	}
	if t.Status != StatusPending && draft.TargetDeviceID != t.TargetDeviceID {
		return fmt.Errorf("update task %s: device can only change while pending: %w", id, ErrImmutableField)
	}
	draft.Result = t.Result
	draft.CreatedAt, draft.StartedAt, draft.FinishedAt = t.CreatedAt, t.StartedAt, t.FinishedAt
	*t = draft
	return nil
}

// AssignDevice sets the target device of a pending task.
func (c *Constellation) AssignDevice(taskID, deviceID string) error {
	return c.UpdateTask(taskID, func(t *TaskStar) { t.TargetDeviceID = deviceID })
}

// Task returns a copy of one task.
func (c *Constellation) Task(id string) (TaskStar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return TaskStar{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (c *Constellation) Tasks() []TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskStar, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].clone())
	}
	return out
}

// Len returns the number of tasks.
func (c *Constellation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// AddDependency inserts an edge and returns its id. Both endpoints must
// exist, the edge must not duplicate another or close a cycle, and a
// conditional edge must carry a condition that compiles.
func (c *Constellation) AddDependency(l TaskStarLine) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[l.From]; !ok {
		return "", fmt.Errorf("add dependency: from %s: %w", l.From, ErrTaskNotFound)
	}
	if _, ok := c.tasks[l.To]; !ok {
		return "", fmt.Errorf("add dependency: to %s: %w", l.To, ErrTaskNotFound)
	}
	if l.From == l.To {
		return "", fmt.Errorf("add dependency %s: %w", l.From, ErrSelfDependency)
	}
	for _, existing := range c.lines {
		if existing.From == l.From && existing.To == l.To {
			return "", fmt.Errorf("add dependency %s→%s: %w", l.From, l.To, ErrDuplicateLine)
		}
	}
	if err := c.normalizeLine(&l); err != nil {
		return "", err
	}
	if _, ok := c.lines[l.ID]; ok {
		return "", fmt.Errorf("add dependency %s: %w", l.ID, ErrDuplicateLine)
	}
	// A path To ⇝ From means From→To closes a cycle.
	if c.reachableLocked(l.To, l.From) {
		return "", fmt.Errorf("add dependency %s→%s: %w", l.From, l.To, ErrCycle)
	}
	stored := l
	c.lines[l.ID] = &stored
	return l.ID, nil
}

func (c *Constellation) normalizeLine(l *TaskStarLine) error {
	if l.ID == "" {
		l.ID = l.From + "->" + l.To
	}
	if l.Kind == "" {
		l.Kind = Unconditional
		if l.Condition != "" {
			l.Kind = Conditional
		}
	}
	switch l.Kind {
	case Unconditional:
	case Conditional:
		if err := c.eval.Compile(l.Condition); err != nil {
			return fmt.Errorf("dependency %s: %w", l.ID, err)
		}
	default:
		return fmt.Errorf("dependency %s: unknown kind %q", l.ID, l.Kind)
	}
	return nil
}

// RemoveDependency deletes an edge.
func (c *Constellation) RemoveDependency(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[id]; !ok {
		return fmt.Errorf("remove dependency %s: %w", id, ErrLineNotFound)
	}
	delete(c.lines, id)
	return nil
}

// Dependencies returns copies of all edges, sorted by id.
func (c *Constellation) Dependencies() []TaskStarLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskStarLine, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Incoming returns the edges that point at taskID.
func (c *Constellation) Incoming(taskID string) []TaskStarLine {
	var out []TaskStarLine
	for _, l := range c.Dependencies() {
		if l.To == taskID {
			out = append(out, l)
		}
	}
	return out
}

// reachableLocked reports whether to can be reached from from.
func (c *Constellation) reachableLocked(from, to string) bool {
	adj := c.adjacencyLocked()
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (c *Constellation) adjacencyLocked() map[string][]string {
	adj := make(map[string][]string, len(c.tasks))
	for _, l := range c.lines {
		adj[l.From] = append(adj[l.From], l.To)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	return adj
}

// satisfiedLocked reports whether an edge no longer blocks its target.
func (c *Constellation) satisfiedLocked(l *TaskStarLine) bool {
	pred, ok := c.tasks[l.From]
	if !ok || pred.Status != StatusCompleted {
		return false
	}
	if l.Kind != Conditional {
		return true
	}
	ok, err := c.eval.Holds(l.Condition, pred)
	return err == nil && ok
}

// Satisfied reports whether the edge with the given id is satisfied.
func (c *Constellation) Satisfied(lineID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lines[lineID]
	if !ok {
		return false, fmt.Errorf("dependency %s: %w", lineID, ErrLineNotFound)
	}
	return c.satisfiedLocked(l), nil
}

// ReadyTasks returns the PENDING tasks whose incoming edges are all
// satisfied, in insertion order.
func (c *Constellation) ReadyTasks() []TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	incoming := make(map[string][]*TaskStarLine, len(c.tasks))
	for _, l := range c.lines {
		incoming[l.To] = append(incoming[l.To], l)
	}

	var out []TaskStar
	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, l := range incoming[id] {
			if !c.satisfiedLocked(l) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t.clone())
		}
	}
	return out
}

// IsComplete reports whether every task is COMPLETED or FAILED.
func (c *Constellation) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// MarkReady records that a task was handed to the fleet.
func (c *Constellation) MarkReady(id string) error {
	return c.transition(id, StatusReady, nil)
}

// MarkRunning records that a device started the task.
func (c *Constellation) MarkRunning(id string) error {
	return c.transition(id, StatusRunning, func(t *TaskStar, now time.Time) {
		t.StartedAt = &now
	})
}

// MarkCompleted stores the result of a successful task.
func (c *Constellation) MarkCompleted(id string, result any) error {
	return c.transition(id, StatusCompleted, func(t *TaskStar, now time.Time) {
		t.Result = result
		t.Error = ""
		t.FinishedAt = &now
	})
}

// MarkFailed stores the error of a failed task.
func (c *Constellation) MarkFailed(id, errMsg string) error {
	return c.transition(id, StatusFailed, func(t *TaskStar, now time.Time) {
		t.Error = errMsg
		t.FinishedAt = &now
	})
}

func (c *Constellation) transition(id string, to TaskStatus, apply func(t *TaskStar, now time.Time)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err := Transition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	t.Status = to
	if apply != nil {
		apply(t, time.Now())
	}
	return nil
}

// Snapshot returns a deep copy that shares nothing mutable with c.
func (c *Constellation) Snapshot() *Constellation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Constellation) snapshotLocked() *Constellation {
	cp := &Constellation{
		id:         c.id,
		name:       c.name,
		state:      c.state,
		tasks:      make(map[string]*TaskStar, len(c.tasks)),
		order:      append([]string(nil), c.order...),
		lines:      make(map[string]*TaskStarLine, len(c.lines)),
		createdAt:  c.createdAt,
		startedAt:  copyTime(c.startedAt),
		finishedAt: copyTime(c.finishedAt),
		eval:       c.eval,
	}
	for id, t := range c.tasks {
		tc := t.clone()
		cp.tasks[id] = &tc
	}
	for id, l := range c.lines {
		lc := *l
		cp.lines[id] = &lc
	}
	return cp
}

// Merge combines an edited graph with the scheduler's own view of it.
// Structure and content come from latest. For tasks present in both, the
// execution state that is further along wins, so an editor working from an
// older snapshot cannot roll a task back.
func Merge(latest, lastKnown *Constellation) *Constellation {
	if latest == nil {
		return lastKnown.Snapshot()
	}
	merged := latest.Snapshot()
	if lastKnown == nil || lastKnown == latest {
		return merged
	}
	known := lastKnown.Snapshot()
	for id, t := range merged.tasks {
		k, ok := known.tasks[id]
		if !ok || k.Status.rank() <= t.Status.rank() {
			continue
		}
		t.Status = k.Status
		t.Result = k.Result
		t.Error = k.Error
		t.StartedAt = k.StartedAt
		t.FinishedAt = k.FinishedAt
		if k.TargetDeviceID != "" {
			t.TargetDeviceID = k.TargetDeviceID
		}
	}
	if stateRank(known.state) > stateRank(merged.state) {
		merged.state = known.state
		merged.startedAt = known.startedAt
		merged.finishedAt = known.finishedAt
	}
	return merged
}

func stateRank(s State) int {
	switch s {
	case StateExecuting:
		return 1
	case StateComplete:
		return 2
	}
	return 0
}

// Adopt replaces the structure and content of c with an edited copy,
// merging execution state as Merge does. Tasks that are scheduled or running
// in c survive even if the copy dropped them.
func (c *Constellation) Adopt(edited *Constellation) {
	draft := edited.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snapshotLocked()
	merged := Merge(draft, cur)
	for _, id := range cur.order {
		t := cur.tasks[id]
		if _, ok := merged.tasks[id]; !ok && t.Status.Active() {
			merged.tasks[id] = t
			merged.order = append(merged.order, id)
		}
	}
	c.name = merged.name
	c.tasks = merged.tasks
	c.order = merged.order
	c.lines = merged.lines
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

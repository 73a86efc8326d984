package constellation

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists every problem found in a graph.
type ValidationError struct {
	// CycleTasks are tasks that sit on at least one cycle.
	CycleTasks []string
	// DanglingLines are dependencies with a missing endpoint.
	DanglingLines []string
	// BadConditions are conditional dependencies whose predicate is unusable.
	BadConditions []string
	// UnknownKinds are dependencies whose kind is neither unconditional nor
	// conditional.
	UnknownKinds []string
	// UnassignedTasks have no target device and none could be chosen.
	UnassignedTasks []string
	// UnknownDeviceTasks target a device the fleet does not know.
	UnknownDeviceTasks []string
	// KnownDevices is filled whenever an assignment problem is reported.
	KnownDevices []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.CycleTasks) > 0 {
		parts = append(parts, "cycle through tasks "+strings.Join(e.CycleTasks, ", "))
	}
	if len(e.DanglingLines) > 0 {
		parts = append(parts, "dependencies with missing tasks "+strings.Join(e.DanglingLines, ", "))
	}
	if len(e.BadConditions) > 0 {
		parts = append(parts, "invalid conditions on "+strings.Join(e.BadConditions, ", "))
	}
	if len(e.UnknownKinds) > 0 {
		parts = append(parts, "unknown dependency kinds on "+strings.Join(e.UnknownKinds, ", "))
	}
	if len(e.UnassignedTasks) > 0 {
		parts = append(parts, "tasks without a device "+strings.Join(e.UnassignedTasks, ", "))
	}
	if len(e.UnknownDeviceTasks) > 0 {
		parts = append(parts, "tasks targeting unknown devices "+strings.Join(e.UnknownDeviceTasks, ", "))
	}
	if len(e.UnassignedTasks)+len(e.UnknownDeviceTasks) > 0 {
		parts = append(parts, "known devices ["+strings.Join(e.KnownDevices, ", ")+"]")
	}
	return "invalid constellation: " + strings.Join(parts, "; ")
}

// Empty reports whether no problem was recorded.
func (e *ValidationError) Empty() bool {
	return len(e.CycleTasks) == 0 && len(e.DanglingLines) == 0 && len(e.BadConditions) == 0 &&
		len(e.UnknownKinds) == 0 && len(e.UnassignedTasks) == 0 && len(e.UnknownDeviceTasks) == 0
}

// Validate checks that every dependency references existing tasks, has a
// known kind, that conditions compile and that the graph is acyclic. It returns a
// *ValidationError naming every offending id, or nil.
func (c *Constellation) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	verr := &ValidationError{}
	for id, l := range c.lines {
		_, fromOK := c.tasks[l.From]
		_, toOK := c.tasks[l.To]
		if !fromOK || !toOK {
			verr.DanglingLines = append(verr.DanglingLines, id)
			continue
		}
		switch l.Kind {
		case Unconditional:
		case Conditional:
			if err := c.eval.Compile(l.Condition); err != nil {
				verr.BadConditions = append(verr.BadConditions, id)
			}
		default:
			verr.UnknownKinds = append(verr.UnknownKinds, id)
		}
	}
	verr.CycleTasks = c.cycleTasksLocked()

	sort.Strings(verr.DanglingLines)
	sort.Strings(verr.BadConditions)
	sort.Strings(verr.UnknownKinds)
	if verr.Empty() {
		return nil
	}
	return verr
}

// cycleTasksLocked returns every task on a cycle, sorted: the members of
// each strongly connected component larger than one task, plus tasks with
// an edge to themselves. Components are found with Tarjan's algorithm.
func (c *Constellation) cycleTasksLocked() []string {
	adj := c.adjacencyLocked()
	index := make(map[string]int, len(c.tasks))
	low := make(map[string]int, len(c.tasks))
	onStack := make(map[string]bool, len(c.tasks))
	var (
		stack   []string
		next    int
		onCycle []string
	)

	var connect func(id string)
	connect = func(id string) {
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		selfLoop := false
		for _, to := range adj[id] {
			if _, ok := c.tasks[to]; !ok {
				continue
			}
			if to == id {
				selfLoop = true
				continue
			}
			if _, seen := index[to]; !seen {
				connect(to)
				low[id] = min(low[id], low[to])
			} else if onStack[to] {
				low[id] = min(low[id], index[to])
			}
		}
		if low[id] != index[id] {
			return
		}

		var comp []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			comp = append(comp, top)
			if top == id {
				break
			}
		}
		if len(comp) > 1 || selfLoop {
			onCycle = append(onCycle, comp...)
		}
	}

	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	sort.Strings(onCycle)
	return onCycle
}

// TopologicalOrder returns task ids so that every dependency precedes its
// dependents. Ties are broken by insertion order.
func (c *Constellation) TopologicalOrder() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	inDegree := make(map[string]int, len(c.tasks))
	for _, l := range c.lines {
		inDegree[l.To]++
	}
	adj := c.adjacencyLocked()
	pos := make(map[string]int, len(c.order))
	for i, id := range c.order {
		pos[id] = i
	}

	var queue []string
	for _, id := range c.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	out := make([]string, 0, len(c.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		var freed []string
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return pos[freed[i]] < pos[freed[j]] })
		queue = append(queue, freed...)
	}
	if len(out) != len(c.order) {
		return nil, fmt.Errorf("topological order: %d of %d tasks ordered", len(out), len(c.order))
	}
	return out, nil
}

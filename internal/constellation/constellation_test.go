package constellation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(tasks []TaskStar) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func complete(t *testing.T, c *Constellation, id string, result any) {
	t.Helper()
	require.NoError(t, c.MarkReady(id))
	require.NoError(t, c.MarkRunning(id))
	require.NoError(t, c.MarkCompleted(id, result))
}

// diamond builds A→B, A→C (if result.ok), B→D, C→D (if status), D→E (if result.count > 2).
func diamond(t *testing.T) *Constellation {
	t.Helper()
	c := New("g1", "diamond")
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		_, err := c.AddTask(TaskStar{ID: id, Name: id})
		require.NoError(t, err)
	}
	lines := []TaskStarLine{
		{From: "A", To: "B"},
		{From: "A", To: "C", Condition: "result.ok == true"},
		{From: "B", To: "D"},
		{From: "C", To: "D", Kind: Conditional, Condition: `status == "COMPLETED"`},
		{From: "D", To: "E", Condition: "result.count > 2"},
	}
	for _, l := range lines {
		_, err := c.AddDependency(l)
		require.NoError(t, err)
	}
	return c
}

func TestReadinessThroughMixedEdges(t *testing.T) {
	c := diamond(t)
	assert.Equal(t, []string{"A"}, ids(c.ReadyTasks()))

	complete(t, c, "A", map[string]any{"ok": true})
	assert.Equal(t, []string{"B", "C"}, ids(c.ReadyTasks()))

	complete(t, c, "B", nil)
	assert.Equal(t, []string{"C"}, ids(c.ReadyTasks()), "D still waits on C")

	require.NoError(t, c.MarkReady("C"))
	assert.Empty(t, c.ReadyTasks(), "READY tasks are not offered again")
	require.NoError(t, c.MarkRunning("C"))
	require.NoError(t, c.MarkCompleted("C", "done"))
	assert.Equal(t, []string{"D"}, ids(c.ReadyTasks()))

	complete(t, c, "D", map[string]any{"count": 3})
	assert.Equal(t, []string{"E"}, ids(c.ReadyTasks()))
	assert.False(t, c.IsComplete())

	complete(t, c, "E", nil)
	assert.True(t, c.IsComplete())
}

func TestFalseConditionBlocksBranch(t *testing.T) {
	c := diamond(t)
	complete(t, c, "A", map[string]any{"ok": false})
	assert.Equal(t, []string{"B"}, ids(c.ReadyTasks()))

	complete(t, c, "B", nil)
	assert.Empty(t, c.ReadyTasks())

	ok, err := c.Satisfied("A->C")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedPredecessorNeverSatisfies(t *testing.T) {
	c := New("", "chain")
	_, _ = c.AddTask(TaskStar{ID: "T1"})
	_, _ = c.AddTask(TaskStar{ID: "T2"})
	_, err := c.AddDependency(TaskStarLine{From: "T1", To: "T2"})
	require.NoError(t, err)

	require.NoError(t, c.MarkRunning("T1"))
	require.NoError(t, c.MarkFailed("T1", "disconnected"))
	assert.Empty(t, c.ReadyTasks())
	assert.False(t, c.IsComplete())
}

func TestConditionErrorIsNotSatisfied(t *testing.T) {
	c := New("", "")
	_, _ = c.AddTask(TaskStar{ID: "a"})
	_, _ = c.AddTask(TaskStar{ID: "b"})
	_, err := c.AddDependency(TaskStarLine{From: "a", To: "b", Condition: "result.rows > 1"})
	require.NoError(t, err)

	// result is a string, so field access fails at run time.
	complete(t, c, "a", "plain text")
	assert.Empty(t, c.ReadyTasks())

	_, err = c.AddDependency(TaskStarLine{From: "b", To: "a", Kind: Conditional})
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	c := New("", "")
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.AddTask(TaskStar{ID: id})
		require.NoError(t, err)
	}
	_, err := c.AddDependency(TaskStarLine{From: "a", To: "b"})
	require.NoError(t, err)
	_, err = c.AddDependency(TaskStarLine{From: "b", To: "c"})
	require.NoError(t, err)

	_, err = c.AddDependency(TaskStarLine{From: "c", To: "a"})
	assert.ErrorIs(t, err, ErrCycle)
	_, err = c.AddDependency(TaskStarLine{From: "a", To: "a"})
	assert.ErrorIs(t, err, ErrSelfDependency)
	_, err = c.AddDependency(TaskStarLine{From: "a", To: "ghost"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = c.AddDependency(TaskStarLine{From: "a", To: "b"})
	assert.ErrorIs(t, err, ErrDuplicateLine)
	assert.NoError(t, c.Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c, err := Load(strings.NewReader(`{
		"name": "broken",
		"tasks": [{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"}],
		"dependencies": [
			{"from":"a","to":"b"},
			{"from":"b","to":"c"},
			{"from":"c","to":"a"},
			{"from":"d","to":"ghost"},
			{"from":"d","to":"a","kind":"conditional","condition":"result >"}
		]
	}`))
	require.NoError(t, err)

	err = c.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"a", "b", "c"}, verr.CycleTasks)
	assert.Equal(t, []string{"d->ghost"}, verr.DanglingLines)
	assert.Equal(t, []string{"d->a"}, verr.BadConditions)
	assert.Contains(t, err.Error(), "cycle through tasks a, b, c")

	_, err = c.TopologicalOrder()
	assert.Error(t, err)
}

func TestValidateReportsTasksReachingCycleThroughVisitedNodes(t *testing.T) {
	// c only reaches the a<->b loop through b, which the walk from a has
	// already finished by the time it gets to c.
	c, err := Load(strings.NewReader(`{
		"name": "tangled",
		"tasks": [{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"}],
		"dependencies": [
			{"from":"a","to":"b"},
			{"from":"b","to":"a"},
			{"from":"a","to":"c"},
			{"from":"c","to":"b"},
			{"from":"c","to":"d"}
		]
	}`))
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, c.Validate(), &verr)
	assert.Equal(t, []string{"a", "b", "c"}, verr.CycleTasks)
}

func TestValidateFlagsSelfLoopAndUnknownKind(t *testing.T) {
	c, err := Load(strings.NewReader(`{
		"name": "odd",
		"tasks": [{"id":"a"},{"id":"b"}],
		"dependencies": [
			{"from":"a","to":"a"},
			{"from":"a","to":"b","kind":"sometimes"}
		]
	}`))
	require.NoError(t, err)

	err = c.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"a"}, verr.CycleTasks)
	assert.Equal(t, []string{"a->b"}, verr.UnknownKinds)
	assert.Contains(t, err.Error(), "unknown dependency kinds on a->b")
}

func TestTopologicalOrder(t *testing.T) {
	c := diamond(t)
	order, err := c.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, order)
}

func TestTransitions(t *testing.T) {
	c := New("", "")
	_, _ = c.AddTask(TaskStar{ID: "x"})
	assert.ErrorIs(t, c.MarkCompleted("x", nil), ErrInvalidTransition)
	require.NoError(t, c.MarkRunning("x"))
	assert.ErrorIs(t, c.MarkReady("x"), ErrInvalidTransition)
	require.NoError(t, c.MarkFailed("x", "boom"))
	assert.ErrorIs(t, c.MarkRunning("x"), ErrInvalidTransition)

	task, ok := c.Task("x")
	require.True(t, ok)
	assert.Equal(t, "boom", task.Error)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
}

func TestRemoveTaskRules(t *testing.T) {
	c := New("", "")
	_, _ = c.AddTask(TaskStar{ID: "a"})
	_, _ = c.AddTask(TaskStar{ID: "b"})
	lineID, err := c.AddDependency(TaskStarLine{From: "a", To: "b"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.RemoveTask("b"), ErrTaskReferenced)
	require.NoError(t, c.RemoveDependency(lineID))
	require.NoError(t, c.RemoveTask("b"))
	assert.ErrorIs(t, c.RemoveTask("b"), ErrTaskNotFound)

	require.NoError(t, c.MarkReady("a"))
	assert.ErrorIs(t, c.RemoveTask("a"), ErrTaskActive)
}

func TestUpdateTaskGuardsSchedulerFields(t *testing.T) {
	c := New("", "")
	_, _ = c.AddTask(TaskStar{ID: "a", Description: "old"})

	require.NoError(t, c.UpdateTask("a", func(t *TaskStar) {
		t.Description = "new"
		t.Hints = []string{"use keyboard"}
	}))
	err := c.UpdateTask("a", func(t *TaskStar) { t.Status = StatusCompleted })
	assert.ErrorIs(t, err, ErrImmutableField)

	require.NoError(t, c.AssignDevice("a", "d1"))
	require.NoError(t, c.MarkRunning("a"))
	assert.ErrorIs(t, c.AssignDevice("a", "d2"), ErrImmutableField)

	got, _ := c.Task("a")
	assert.Equal(t, "new", got.Description)
	assert.Equal(t, "d1", got.TargetDeviceID)
}

func TestSnapshotIsIndependent(t *testing.T) {
	c := diamond(t)
	snap := c.Snapshot()
	complete(t, c, "A", map[string]any{"ok": true})
	_, err := snap.AddTask(TaskStar{ID: "Z"})
	require.NoError(t, err)

	a, _ := snap.Task("A")
	assert.Equal(t, StatusPending, a.Status)
	_, ok := c.Task("Z")
	assert.False(t, ok)
}

func TestMergeKeepsFurthestExecutionState(t *testing.T) {
	live := diamond(t)
	edited := live.Snapshot()
	complete(t, live, "A", map[string]any{"ok": true})
	require.NoError(t, live.MarkRunning("B"))

	// The editor worked from a snapshot taken before A finished.
	_, err := edited.AddTask(TaskStar{ID: "F"})
	require.NoError(t, err)
	_, err = edited.AddDependency(TaskStarLine{From: "E", To: "F"})
	require.NoError(t, err)
	require.NoError(t, edited.UpdateTask("C", func(t *TaskStar) { t.Description = "rewritten" }))

	merged := Merge(edited, live)
	a, _ := merged.Task("A")
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, map[string]any{"ok": true}, a.Result)
	b, _ := merged.Task("B")
	assert.Equal(t, StatusRunning, b.Status)
	cTask, _ := merged.Task("C")
	assert.Equal(t, "rewritten", cTask.Description)
	_, ok := merged.Task("F")
	assert.True(t, ok)

	live.Adopt(edited)
	assert.Equal(t, 6, live.Len())
	assert.Equal(t, []string{"C"}, ids(live.ReadyTasks()))
}

func TestAdoptKeepsRunningTasks(t *testing.T) {
	live := New("", "")
	_, _ = live.AddTask(TaskStar{ID: "a"})
	_, _ = live.AddTask(TaskStar{ID: "b"})
	edited := live.Snapshot()
	require.NoError(t, edited.RemoveTask("a"))
	require.NoError(t, live.MarkRunning("a"))

	live.Adopt(edited)
	a, ok := live.Task("a")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, a.Status)
}

func TestDefinitionRoundTrip(t *testing.T) {
	c := diamond(t)
	def := c.Definition()
	assert.Len(t, def.Tasks, 5)
	assert.Len(t, def.Dependencies, 5)

	back, err := FromDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), back.ID())
	assert.NoError(t, back.Validate())
	assert.Equal(t, []string{"A"}, ids(back.ReadyTasks()))

	_, err = Load(strings.NewReader(`{"tasks":[{"id":"a"},{"id":"a"}]}`))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

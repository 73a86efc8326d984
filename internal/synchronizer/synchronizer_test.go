package synchronizer

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func completed(cid, tid string) events.Event {
	return events.Event{Type: events.TaskCompleted, ConstellationID: cid, TaskID: tid}
}

func modified(cid, tid string) events.Event {
	return events.Event{Type: events.ConstellationModified, ConstellationID: cid, TaskID: tid}
}

func TestRegisterAndResolve(t *testing.T) {
	s := New(time.Second, zap.NewNop())
	ctx := context.Background()

	s.OnEvent(ctx, completed("c1", "t1"))
	s.OnEvent(ctx, events.Event{Type: events.TaskFailed, ConstellationID: "c1", TaskID: "t2"})
	s.OnEvent(ctx, events.Event{Type: events.TaskCompleted, TaskID: "no-graph"})
	assert.True(t, s.HasPending("c1"))
	assert.False(t, s.HasPending("c2"))
	assert.Equal(t, []string{"t1", "t2"}, s.PendingTaskIDs(""))

	s.OnEvent(ctx, modified("c1", "t1"))
	s.OnEvent(ctx, modified("c1", "t2"))
	ok, err := s.WaitForPendingModifications(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Stats{Total: 2, Completed: 2}, s.Stats())
}

func TestModificationBeforeCompletion(t *testing.T) {
	s := New(time.Second, zap.NewNop())
	ctx := context.Background()
	s.OnEvent(ctx, modified("c1", "t1"))
	s.OnEvent(ctx, completed("c1", "t1"))
	assert.False(t, s.HasPending(""))
	assert.Equal(t, 1, s.Stats().Completed)
}

func TestConstellationCompletedDropsLeftovers(t *testing.T) {
	s := New(time.Minute, zap.NewNop())
	ctx := context.Background()

	// The final completion of c1 never gets an editor answer, and an
	// answer for a task c1 never completed is parked as early.
	s.OnEvent(ctx, completed("c1", "last"))
	s.OnEvent(ctx, modified("c1", "ghost"))
	s.OnEvent(ctx, completed("c2", "t1"))
	require.True(t, s.HasPending("c1"))

	s.OnEvent(ctx, events.Event{Type: events.ConstellationCompleted, ConstellationID: "c1"})
	assert.False(t, s.HasPending("c1"))
	assert.True(t, s.HasPending("c2"), "other constellations keep their handles")

	s.mu.Lock()
	_, parked := s.early[key{"c1", "ghost"}]
	s.mu.Unlock()
	assert.False(t, parked)

	st := s.Stats()
	assert.Equal(t, 1, st.Cleared)
	assert.Equal(t, 1, st.Pending)

	// A late completion for the finished run starts from scratch.
	s.OnEvent(ctx, completed("c1", "ghost"))
	assert.Equal(t, []string{"ghost"}, s.PendingTaskIDs("c1"))
}

func TestWaitBlocksUntilResolved(t *testing.T) {
	s := New(5*time.Second, zap.NewNop())
	ctx := context.Background()
	s.OnEvent(ctx, completed("c1", "t1"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.OnEvent(ctx, modified("c1", "t1"))
	}()

	start := time.Now()
	ok, err := s.WaitForPendingModifications(ctx, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTimeoutForceResolves(t *testing.T) {
	s := New(50*time.Millisecond, zap.NewNop())
	ctx := context.Background()
	s.OnEvent(ctx, completed("c1", "silent"))

	start := time.Now()
	ok, err := s.WaitForPendingModifications(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	st := s.Stats()
	assert.Equal(t, 1, st.TimedOut)
	assert.Zero(t, st.Pending)

	// A late modification is remembered, not treated as pending.
	s.OnEvent(ctx, modified("c1", "silent"))
	assert.False(t, s.HasPending(""))
}

func TestWaitHonoursContext(t *testing.T) {
	s := New(time.Hour, zap.NewNop())
	s.OnEvent(context.Background(), completed("c1", "t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.WaitForPendingModifications(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.HasPending(""))

	assert.Equal(t, 1, s.ClearAll())
	assert.False(t, s.HasPending(""))
	assert.Equal(t, 1, s.Stats().Cleared)
}

// An editor reacting to A must have its edit visible to a scheduler that
// waits, even when B completes while A's edit is still in progress.
func TestSchedulerSeesEarlierEdit(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	s := New(5*time.Second, zap.NewNop())
	bus.Observe(s)

	g := constellation.New("g", "")
	for _, id := range []string{"A", "B", "C"} {
		_, err := g.AddTask(constellation.TaskStar{ID: id})
		require.NoError(t, err)
	}
	_, err := g.AddDependency(constellation.TaskStarLine{From: "B", To: "C"})
	require.NoError(t, err)

	editStarted := make(chan struct{})
	bus.Observe(events.ObserverFunc(func(ctx context.Context, ev events.Event) {
		if ev.Type != events.TaskCompleted {
			return
		}
		go func() {
			if ev.TaskID == "A" {
				close(editStarted)
				// A's reaction: C must also wait for a new task D.
				time.Sleep(80 * time.Millisecond)
				_, _ = g.AddTask(constellation.TaskStar{ID: "D"})
				_, _ = g.AddDependency(constellation.TaskStarLine{From: "D", To: "C"})
			}
			bus.Publish(ctx, events.Event{Type: events.ConstellationModified, ConstellationID: "g", TaskID: ev.TaskID})
		}()
	}))

	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		require.NoError(t, g.MarkRunning(id))
		require.NoError(t, g.MarkCompleted(id, nil))
	}
	bus.Publish(ctx, completed("g", "A"))
	<-editStarted
	bus.Publish(ctx, completed("g", "B"))

	ok, err := s.WaitForPendingModifications(ctx, "g")
	require.NoError(t, err)
	require.True(t, ok)

	var ready []string
	for _, task := range g.ReadyTasks() {
		ready = append(ready, task.ID)
	}
	assert.Equal(t, []string{"D"}, ready, "C must not be schedulable before D exists")
}

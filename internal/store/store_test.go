package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/constellation/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testutil.Postgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations must be re-runnable")
	return s
}

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	require.NoError(t, s.StartRun(ctx, "run-1", "report", 2, started))
	require.NoError(t, s.RecordTask(ctx, TaskResult{
		RunID: "run-1", TaskID: "T1", DeviceID: "dev-1", Status: "completed",
		Result: map[string]any{"rows": 3},
	}))
	require.NoError(t, s.RecordTask(ctx, TaskResult{
		RunID: "run-1", TaskID: "T2", DeviceID: "dev-1", Status: "failed", Error: "device disconnected",
	}))
	require.NoError(t, s.FinishRun(ctx, Run{
		ID: "run-1", Name: "report", Status: "failed", TaskCount: 2, Completed: 1, Failed: 1,
	}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 1, run.Failed)
	assert.True(t, run.StartedAt.Equal(started))
	require.NotNil(t, run.FinishedAt)

	tasks, err := s.RunTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, map[string]any{"rows": float64(3)}, tasks[0].Result)
	assert.Nil(t, tasks[1].Result)
	assert.Equal(t, "device disconnected", tasks[1].Error)

	require.NoError(t, s.StartRun(ctx, "run-2", "later", 1, time.Now()))
	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestDeviceEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.RecordDeviceEvent(ctx, DeviceEvent{DeviceID: "dev-1", Type: "device.connected", Status: "idle", OccurredAt: base}))
	require.NoError(t, s.RecordDeviceEvent(ctx, DeviceEvent{DeviceID: "dev-1", Type: "device.disconnected", Error: "reset", OccurredAt: base.Add(time.Second)}))
	require.NoError(t, s.RecordDeviceEvent(ctx, DeviceEvent{DeviceID: "dev-2", Type: "device.connected"}))

	evs, err := s.DeviceEvents(ctx, "dev-1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "device.disconnected", evs[0].Type)
	assert.Equal(t, "reset", evs[0].Error)
}

package events

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/constellation/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisMirrorTail(t *testing.T) {
	url := testutil.Redis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewRedisMirror(ctx, url, "test:events", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	bus := NewBus(zap.NewNop())
	sub, unsubscribe := bus.Subscribe(Filter{}, 8)
	go m.Run(ctx, sub)

	bus.Publish(ctx, Event{Type: TaskCompleted, ConstellationID: "c1", TaskID: "t1"})
	unsubscribe()

	tail := m.Tail(ctx, "0")
	select {
	case ev := <-tail:
		assert.Equal(t, TaskCompleted, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
	case <-ctx.Done():
		t.Fatal("event never reached the stream")
	}
}

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterAndCopies(t *testing.T) {
	r := New(zap.NewNop())
	rec, err := r.Register(Registration{
		DeviceID:     "win-1",
		ServerURL:    "ws://localhost:5005/ws",
		Capabilities: []string{"excel", "browser", "excel"},
		Metadata:     map[string]string{"region": "eu"},
		MaxRetries:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, rec.Status)
	assert.Equal(t, []string{"browser", "excel"}, rec.Capabilities)

	// Mutating a copy must not leak into the registry.
	rec.Capabilities[0] = "hacked"
	rec.Metadata["region"] = "us"
	got, ok := r.Get("win-1")
	require.True(t, ok)
	assert.Equal(t, []string{"browser", "excel"}, got.Capabilities)
	assert.Equal(t, "eu", got.Metadata["region"])

	_, err = r.Register(Registration{DeviceID: "win-1"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestStatusAndCounters(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.Register(Registration{DeviceID: "d1"})
	require.NoError(t, err)

	prev, err := r.SetStatus("d1", StatusConnecting)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, prev)

	swapped, err := r.CompareAndSetStatus("d1", StatusIdle, StatusBusy)
	require.NoError(t, err)
	assert.False(t, swapped)

	n, _ := r.IncrementAttempts("d1")
	n, _ = r.IncrementAttempts("d1")
	assert.Equal(t, 2, n)
	require.NoError(t, r.ResetAttempts("d1"))
	rec, _ := r.Get("d1")
	assert.Equal(t, 0, rec.ConnectionAttempts)

	now := time.Now()
	require.NoError(t, r.TouchHeartbeat("d1", now))
	rec, _ = r.Get("d1")
	require.NotNil(t, rec.LastHeartbeatAt)
	assert.True(t, rec.LastHeartbeatAt.Equal(now))

	_, err = r.SetStatus("missing", StatusIdle)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMergeInfoAndCapabilities(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.Register(Registration{DeviceID: "d1", Capabilities: []string{"browser"}})
	require.NoError(t, err)

	require.NoError(t, r.MergeInfo("d1", "windows", []string{"excel", "browser"}, map[string]string{"screen": "1080p"}))
	rec, _ := r.Get("d1")
	assert.Equal(t, "windows", rec.OS)
	assert.Equal(t, []string{"browser", "excel"}, rec.Capabilities)
	assert.True(t, rec.HasCapabilities([]string{"excel"}))
	assert.False(t, rec.HasCapabilities([]string{"word"}))
	assert.Equal(t, "1080p", rec.Metadata["screen"])
}

func TestWithStatus(t *testing.T) {
	r := New(zap.NewNop())
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Register(Registration{DeviceID: id})
		require.NoError(t, err)
	}
	_, _ = r.SetStatus("a", StatusIdle)
	_, _ = r.SetStatus("b", StatusBusy)

	got := r.WithStatus(StatusIdle, StatusBusy)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].DeviceID)
	assert.Equal(t, "b", got[1].DeviceID)
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

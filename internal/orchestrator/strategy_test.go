package orchestrator

import (
	"testing"

	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devices() []registry.DeviceRecord {
	return []registry.DeviceRecord{
		{DeviceID: "win", Status: registry.StatusIdle, Capabilities: []string{"excel", "outlook"}},
		{DeviceID: "mac", Status: registry.StatusBusy, Capabilities: []string{"keynote"}},
		{DeviceID: "dead", Status: registry.StatusFailed, Capabilities: []string{"excel"}},
	}
}

func TestRoundRobinSkipsFailedAndFiltersCapabilities(t *testing.T) {
	rr := &RoundRobin{}
	var picks []string
	for i := 0; i < 4; i++ {
		id, err := rr.Pick(constellation.TaskStar{ID: "t"}, devices())
		require.NoError(t, err)
		picks = append(picks, id)
	}
	assert.Equal(t, []string{"mac", "win", "mac", "win"}, picks)

	id, err := rr.Pick(constellation.TaskStar{ID: "x", RequiredCapabilities: []string{"excel"}}, devices())
	require.NoError(t, err)
	assert.Equal(t, "win", id)

	_, err = rr.Pick(constellation.TaskStar{ID: "y", RequiredCapabilities: []string{"photoshop"}}, devices())
	assert.ErrorIs(t, err, ErrNoEligibleDevice)
	assert.Contains(t, err.Error(), "photoshop")
}

func TestLeastLoadedSpreadsBatch(t *testing.T) {
	load := map[string]int{"win": 2, "mac": 0}
	ll := NewLeastLoaded(func(id string) int { return load[id] })

	var picks []string
	for i := 0; i < 4; i++ {
		id, err := ll.Pick(constellation.TaskStar{ID: "t"}, devices())
		require.NoError(t, err)
		picks = append(picks, id)
	}
	// mac: 0,1 then tie at 2 goes to the lower id.
	assert.Equal(t, []string{"mac", "mac", "mac", "win"}, picks)

	ll.Reset()
	id, err := ll.Pick(constellation.TaskStar{ID: "t"}, devices())
	require.NoError(t, err)
	assert.Equal(t, "mac", id)
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor("", nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = StrategyFor("least_loaded", func(string) int { return 0 })
	require.NoError(t, err)
	assert.Equal(t, "least_loaded", s.Name())

	_, err = StrategyFor("random", nil)
	assert.Error(t, err)
}

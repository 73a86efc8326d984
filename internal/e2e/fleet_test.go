package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/constellation/internal/config"
	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/devicesim"
	"github.com/nidhogg/constellation/internal/editor"
	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/fleet"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/nidhogg/constellation/internal/synchronizer"
	"github.com/nidhogg/constellation/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// harness wires the whole runtime against simulated devices reached over
// real websockets.
type harness struct {
	fleet *fleet.Manager
	orch  *orchestrator.Orchestrator
	bus   *events.Bus
	sims  map[string]*devicesim.Server
}

func newHarness(t *testing.T, tweak func(*config.FleetConfig), devices map[string]devicesim.Options) *harness {
	t.Helper()
	logger := zap.NewNop()

	cfg := &config.FleetConfig{
		RegistrationTimeout: config.D(2 * time.Second),
		ReconnectDelay:      config.D(time.Hour),
		TaskTimeout:         config.D(10 * time.Second),
		FetchDeviceInfo:     true,
	}
	if tweak != nil {
		tweak(cfg)
	}
	cfg.ApplyDefaults()

	bus := events.NewBus(logger)
	fl := fleet.NewManager(cfg, registry.New(logger), transport.NewWebsocketDialer(2*time.Second), bus, logger)
	t.Cleanup(fl.Shutdown)

	h := &harness{fleet: fl, bus: bus, sims: make(map[string]*devicesim.Server)}
	for id, opts := range devices {
		sim := devicesim.New(opts, logger)
		srv := httptest.NewServer(sim)
		t.Cleanup(srv.Close)
		h.sims[id] = sim

		_, err := fl.RegisterDevice(registry.Registration{
			DeviceID:  id,
			ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		})
		require.NoError(t, err)
	}
	require.NoError(t, fl.ConnectAll(context.Background()))

	sy := synchronizer.New(time.Second, logger)
	bus.Observe(sy)
	orch, err := orchestrator.New(&config.OrchestratorConfig{Strategy: "round_robin"}, fl, sy, bus, logger)
	require.NoError(t, err)
	agent := editor.NewAgent(editor.Passthrough{}, orch, bus, time.Second, logger)
	bus.Observe(agent)
	t.Cleanup(agent.Wait)

	h.orch = orch
	return h
}

func TestSingleTaskOverWebsocket(t *testing.T) {
	h := newHarness(t, nil, map[string]devicesim.Options{
		"win-1": {OS: "windows", Capabilities: []string{"excel"}},
	})

	rec, err := h.fleet.DeviceStatus("win-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusIdle, rec.Status)
	assert.Equal(t, "windows", rec.OS)
	assert.Equal(t, []string{"excel"}, rec.Capabilities)

	c := constellation.New("", "report")
	_, err = c.AddTask(constellation.TaskStar{
		ID:                   "T1",
		Name:                 "open",
		Description:          "open the quarterly report",
		RequiredCapabilities: []string{"excel"},
	})
	require.NoError(t, err)

	res, err := h.orch.Orchestrate(context.Background(), c, orchestrator.Assignment{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeCompleted, res.Status)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "win-1", res.Tasks[0].DeviceID)
	out, ok := res.Tasks[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open the quarterly report", out["description"])
	assert.Equal(t, 1, h.sims["win-1"].TasksRun())

	rec, _ = h.fleet.DeviceStatus("win-1")
	assert.Equal(t, registry.StatusIdle, rec.Status)
}

func TestDeviceDropMidTaskFailsFast(t *testing.T) {
	hang := devicesim.ExecutorFunc(func(ctx context.Context, _ devicesim.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, nil, map[string]devicesim.Options{"dev-1": {Executor: hang}})

	c := constellation.New("", "chain")
	_, err := c.AddTask(constellation.TaskStar{ID: "T1", TargetDeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = c.AddTask(constellation.TaskStar{ID: "T2", TargetDeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = c.AddDependency(constellation.TaskStarLine{From: "T1", To: "T2"})
	require.NoError(t, err)

	done := make(chan *orchestrator.Result, 1)
	go func() {
		res, _ := h.orch.Orchestrate(context.Background(), c, orchestrator.Assignment{})
		done <- res
	}()

	sim := h.sims["dev-1"]
	require.Eventually(t, func() bool { return sim.TasksRun() == 1 }, 2*time.Second, 5*time.Millisecond)
	kicked := time.Now()
	sim.Kick()

	var res *orchestrator.Result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("orchestration did not finish after the device dropped")
	}
	assert.Less(t, time.Since(kicked), 2*time.Second)
	assert.Equal(t, orchestrator.OutcomeFailed, res.Status)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.NeverStarted)

	t1, _ := c.Task("T1")
	assert.Equal(t, constellation.StatusFailed, t1.Status)
	assert.Contains(t, t1.Error, "disconnected")
	assert.Equal(t, 1, sim.TasksRun())

	q, err := h.fleet.QueueStatus("dev-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDisconnected, q.Status)
	assert.True(t, q.Reconnecting)
}

func TestDeviceReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t, func(c *config.FleetConfig) {
		c.ReconnectDelay = config.D(20 * time.Millisecond)
	}, map[string]devicesim.Options{"dev-1": {}})

	sim := h.sims["dev-1"]
	require.Equal(t, 1, sim.Registrations())
	sim.Kick()

	require.Eventually(t, func() bool {
		rec, err := h.fleet.DeviceStatus("dev-1")
		return err == nil && rec.Status == registry.StatusIdle && sim.Registrations() == 2
	}, 3*time.Second, 10*time.Millisecond)

	res := h.fleet.AssignTask(context.Background(), "dev-1", taskRequest("after-reconnect"))
	assert.True(t, res.Succeeded(), res.Error)
}

func TestRejectedRegistration(t *testing.T) {
	logger := zap.NewNop()
	sim := devicesim.New(devicesim.Options{Reject: "device not enrolled"}, logger)
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	cfg := &config.FleetConfig{ReconnectDelay: config.D(time.Hour)}
	cfg.ApplyDefaults()
	fl := fleet.NewManager(cfg, registry.New(logger), transport.NewWebsocketDialer(time.Second), nil, logger)
	t.Cleanup(fl.Shutdown)
	_, err := fl.RegisterDevice(registry.Registration{
		DeviceID:  "dev-1",
		ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	require.NoError(t, err)

	res, err := fl.ConnectDevice(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "device not enrolled")

	rec, _ := fl.DeviceStatus("dev-1")
	assert.Equal(t, registry.StatusDisconnected, rec.Status)
}

func taskRequest(id string) protocol.TaskRequest {
	return protocol.TaskRequest{TaskID: id, Name: id, Description: "run " + id}
}

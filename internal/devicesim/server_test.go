package devicesim

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/constellation/internal/protocol"
	"github.com/nidhogg/constellation/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, opts Options) (*Server, transport.Conn) {
	t.Helper()
	sim := New(opts, zap.NewNop())
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := transport.NewWebsocketDialer(time.Second).Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return sim, conn
}

func exchange(t *testing.T, conn transport.Conn, msg *protocol.ClientMessage) *protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.Send(context.Background(), msg))
	reply, err := conn.Receive()
	require.NoError(t, err)
	return reply
}

func register(t *testing.T, conn transport.Conn) *protocol.ServerMessage {
	return exchange(t, conn, &protocol.ClientMessage{
		Type:      protocol.ClientRegister,
		DeviceID:  "dev-1",
		RequestID: "reg-1",
	})
}

func TestRegisterAndRunTask(t *testing.T) {
	sim, conn := dial(t, Options{})

	reply := register(t, conn)
	assert.Equal(t, protocol.ServerHeartbeat, reply.Type)
	assert.Equal(t, "reg-1", reply.ResponseID)
	assert.NotEmpty(t, reply.SessionID)
	assert.Equal(t, 1, sim.Registrations())

	reply = exchange(t, conn, &protocol.ClientMessage{
		Type:      protocol.ClientTask,
		DeviceID:  "dev-1",
		RequestID: "req-1",
		TaskID:    "t1",
		TaskName:  "open",
		Request:   "open the report",
	})
	assert.Equal(t, protocol.ServerTaskEnd, reply.Type)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, "req-1", reply.ResponseID)
	out, err := reply.DecodedResult()
	require.NoError(t, err)
	assert.Equal(t, "open the report", out.(map[string]any)["description"])
}

func TestExecutorErrorBecomesTaskEndError(t *testing.T) {
	_, conn := dial(t, Options{Executor: ExecutorFunc(func(context.Context, Task) (any, error) {
		return nil, errors.New("window not found")
	})})
	register(t, conn)

	reply := exchange(t, conn, &protocol.ClientMessage{
		Type: protocol.ClientTask, DeviceID: "dev-1", RequestID: "r", TaskID: "t",
	})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "window not found", reply.Error)
}

func TestRejectAndUnregisteredTask(t *testing.T) {
	sim, conn := dial(t, Options{Reject: "unknown device"})

	reply := register(t, conn)
	assert.Equal(t, protocol.ServerError, reply.Type)
	assert.Equal(t, "unknown device", reply.Error)
	assert.Zero(t, sim.Registrations())

	reply = exchange(t, conn, &protocol.ClientMessage{
		Type: protocol.ClientTask, DeviceID: "dev-1", RequestID: "r", TaskID: "t",
	})
	assert.Equal(t, protocol.ServerError, reply.Type)
	assert.Equal(t, "r", reply.ResponseID)
}

func TestDeviceInfoAndHeartbeat(t *testing.T) {
	_, conn := dial(t, Options{OS: "windows", Capabilities: []string{"excel"}})
	register(t, conn)

	reply := exchange(t, conn, &protocol.ClientMessage{
		Type: protocol.ClientDeviceInfoRequest, DeviceID: "dev-1", RequestID: "info-1",
	})
	assert.Equal(t, protocol.ServerDeviceInfoResponse, reply.Type)
	assert.JSONEq(t, `{"device_id":"dev-1","os":"windows","capabilities":["excel"]}`, string(reply.Result))

	reply = exchange(t, conn, &protocol.ClientMessage{
		Type: protocol.ClientHeartbeat, DeviceID: "dev-1", RequestID: "ping-1",
	})
	assert.Equal(t, protocol.ServerHeartbeat, reply.Type)
	assert.Equal(t, "ping-1", reply.ResponseID)
}

func TestKickDropsConnection(t *testing.T) {
	sim, conn := dial(t, Options{})
	register(t, conn)
	require.Eventually(t, func() bool { return sim.Connections() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sim.Kick())
	_, err := conn.Receive()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return sim.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerTaskEnd(t *testing.T) {
	raw := []byte(`{"type":"TASK_END","status":"OK","response_id":"req-1","result":{"clicked":true},"timestamp":"2026-01-02T03:04:05Z"}`)

	msg, err := DecodeServer(raw)
	require.NoError(t, err)
	assert.Equal(t, ServerTaskEnd, msg.Type)
	assert.Equal(t, StatusOK, msg.Status)
	assert.Equal(t, "req-1", msg.ResponseID)

	v, err := msg.DecodedResult()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"clicked": true}, v)
}

func TestDecodeServerRejectsUnknownType(t *testing.T) {
	_, err := DecodeServer([]byte(`{"type":"REGISTER","status":"OK"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType), "got %v", err)
}

func TestDecodeServerRequiresResponseID(t *testing.T) {
	_, err := DecodeServer([]byte(`{"type":"DEVICE_INFO_RESPONSE","status":"OK"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeClientValidates(t *testing.T) {
	_, err := EncodeClient(&ClientMessage{Type: ClientTask, DeviceID: "d1", RequestID: "r1"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = EncodeClient(&ClientMessage{Type: ClientHeartbeat})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	data, err := EncodeClient(&ClientMessage{
		Type:      ClientTask,
		DeviceID:  "d1",
		RequestID: "r1",
		TaskID:    "t1",
		Request:   "open the settings app",
		Hints:     []string{"use the start menu"},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	decoded, err := DecodeClient(data)
	require.NoError(t, err)
	assert.Equal(t, "open the settings app", decoded.Request)
	assert.Equal(t, []string{"use the start menu"}, decoded.Hints)
}

func TestClientTypeUnmarshalRejectsServerOnlyType(t *testing.T) {
	var m ClientMessage
	err := json.Unmarshal([]byte(`{"type":"TASK_END","device_id":"d1"}`), &m)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestResultHelpers(t *testing.T) {
	r := DisconnectedResult("t1", "d1", "connection closed")
	assert.Equal(t, ResultFailed, r.Status)
	assert.True(t, r.Disconnected())
	assert.Equal(t, CategoryDisconnected, r.Category())

	tr := TimeoutResult("t2", "d1", 3*time.Second)
	assert.False(t, tr.Disconnected())
	assert.Equal(t, CategoryTimeout, tr.Category())
	assert.Equal(t, 3.0, tr.Metadata[MetaTimeout])
}

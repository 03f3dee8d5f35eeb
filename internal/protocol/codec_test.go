package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstmdb/rstmdb/internal/common"
)

func TestCodec_BinaryRoundtrip(t *testing.T) {
	var wire bytes.Buffer
	writeSide := NewCodec(bytes.NewReader(nil), &wire)

	request := NewRequest("req-1", OpPing, nil)
	require.NoError(t, writeSide.WriteMessage(request))

	readSide := NewCodec(&wire, &bytes.Buffer{})
	raw, err := readSide.ReadMessage()
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, OpPing, decoded.Op)
}

func TestCodec_JsonlRoundtrip(t *testing.T) {
	var wire bytes.Buffer
	writeSide := NewCodec(bytes.NewReader(nil), &wire)
	writeSide.SetMode(WireModeJSONL)

	response := OkResponse("req-2", map[string]bool{"pong": true})
	require.NoError(t, writeSide.WriteMessage(response))
	assert.True(t, bytes.HasSuffix(wire.Bytes(), []byte("\n")))

	readSide := NewCodec(&wire, &bytes.Buffer{})
	readSide.SetMode(WireModeJSONL)
	raw, err := readSide.ReadMessage()
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "req-2", decoded.ID)
	assert.True(t, decoded.IsOk())
}

func TestCodec_JsonlSkipsBlankLines(t *testing.T) {
	wire := bytes.NewBufferString("\n\n{\"type\":\"request\",\"id\":\"1\",\"op\":\"PING\"}\n")
	codec := NewCodec(wire, &bytes.Buffer{})
	codec.SetMode(WireModeJSONL)

	raw, err := codec.ReadMessage()
	require.NoError(t, err)
	messageType, err := ParseMessageType(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, messageType)
}

func TestResponse_Envelopes(t *testing.T) {
	ok := OkResponse("1", map[string]int{"n": 1})
	assert.Equal(t, TypeResponse, ok.Type)
	assert.True(t, ok.IsOk())

	failed := ErrorResponse("2", common.CodeInstanceNotFound, "instance i-1 not found")
	assert.False(t, failed.IsOk())
	assert.Equal(t, common.CodeInstanceNotFound, failed.Error.Code)
	assert.False(t, failed.Error.Retryable)

	retryable := ErrorResponse("3", common.CodeWalIoError, "disk failed")
	assert.True(t, retryable.Error.Retryable)
}

func TestResponse_JSONShape(t *testing.T) {
	response := ErrorResponse("7", common.CodeGuardFailed, "guard failed")
	data, err := json.Marshal(response)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "response", m["type"])
	assert.Equal(t, "error", m["status"])
	errBody := m["error"].(map[string]any)
	assert.Equal(t, "GUARD_FAILED", errBody["code"])
	assert.Equal(t, false, errBody["retryable"])
	_, hasResult := m["result"]
	assert.False(t, hasResult)
}

func TestOp_Valid(t *testing.T) {
	for _, op := range []Op{
		OpHello, OpAuth, OpPing, OpBye, OpInfo,
		OpPutMachine, OpGetMachine, OpListMachines,
		OpCreateInstance, OpGetInstance, OpListInstances, OpDeleteInstance,
		OpApplyEvent, OpBatch,
		OpSnapshotInstance, OpWalRead, OpWalStats, OpCompact,
		OpWatchInstance, OpWatchAll, OpUnwatch,
	} {
		assert.True(t, op.Valid(), string(op))
	}
	assert.False(t, Op("NOPE").Valid())
}

func TestStreamEvent_JSONShape(t *testing.T) {
	event := StreamEvent{
		Type:           TypeEvent,
		SubscriptionID: "sub-1",
		InstanceID:     "i-1",
		Machine:        "order",
		Version:        1,
		WalOffset:      42,
		FromState:      "created",
		ToState:        "paid",
		Event:          "PAY",
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "event", m["type"])
	assert.Equal(t, "sub-1", m["subscription_id"])
	_, hasCtx := m["ctx"]
	assert.False(t, hasCtx)
}

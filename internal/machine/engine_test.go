package machine

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstmdb/rstmdb/internal/common"
	"github.com/rstmdb/rstmdb/internal/wal"
)

func testWAL(t *testing.T, dir string) *wal.WAL {
	t.Helper()
	w, err := wal.Open(wal.Config{
		Dir:         dir,
		SegmentSize: 4096,
		FsyncPolicy: wal.FsyncPolicy{Mode: wal.FsyncEveryWrite},
	}, nil)
	require.NoError(t, err)
	return w
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	w := testWAL(t, t.TempDir())
	t.Cleanup(func() { w.Close() })
	engine, err := NewEngine(w, Options{}, nil)
	require.NoError(t, err)
	return engine
}

func orderDefinition() json.RawMessage {
	return json.RawMessage(`{
		"states": ["created", "paid", "shipped"],
		"initial": "created",
		"transitions": [
			{"from": "created", "event": "PAY", "to": "paid"},
			{"from": "paid", "event": "SHIP", "to": "shipped", "guard": "ctx.items_ready"}
		]
	}`)
}

func TestEngine_PutAndGetMachine(t *testing.T) {
	engine := testEngine(t)

	checksum, created, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, checksum)

	def, err := engine.GetMachine("order", 1)
	require.NoError(t, err)
	assert.Equal(t, "order", def.Name)

	_, err = engine.GetMachine("order", 2)
	assert.Equal(t, common.CodeMachineNotFound, common.CodeOf(err))
}

func TestEngine_PutMachineIdempotent(t *testing.T) {
	engine := testEngine(t)

	checksum1, created1, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	assert.True(t, created1)

	checksum2, created2, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, checksum1, checksum2)

	// A different definition for the same (name, version) fails.
	_, _, err = engine.PutMachine("order", 1, json.RawMessage(`{
		"states": ["x"], "initial": "x", "transitions": []
	}`))
	assert.Equal(t, common.CodeMachineVersionExists, common.CodeOf(err))
}

func TestEngine_MaxMachineVersions(t *testing.T) {
	w := testWAL(t, t.TempDir())
	t.Cleanup(func() { w.Close() })
	engine, err := NewEngine(w, Options{MaxMachineVersions: 2}, nil)
	require.NoError(t, err)

	for v := uint32(1); v <= 2; v++ {
		_, _, err := engine.PutMachine("order", v, orderDefinition())
		require.NoError(t, err)
	}
	_, _, err = engine.PutMachine("order", 3, orderDefinition())
	require.Error(t, err)
	assert.Equal(t, common.CodeMachineVersionExists, common.CodeOf(err))
}

func TestEngine_ListMachines(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 2, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.PutMachine("billing", 1, orderDefinition())
	require.NoError(t, err)

	machines := engine.ListMachines()
	assert.Equal(t, []uint32{1, 2}, machines["order"])
	assert.Equal(t, []uint32{1}, machines["billing"])
}

func TestEngine_BasicLifecycle(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)

	instance, _, err := engine.CreateInstance("i1", "order", 1, json.RawMessage(`{"items_ready":true}`), "")
	require.NoError(t, err)
	assert.Equal(t, "created", instance.State)

	result, err := engine.ApplyEvent("i1", "PAY", json.RawMessage(`{"amount":100}`), nil, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "created", result.FromState)
	assert.Equal(t, "paid", result.ToState)
	assert.True(t, result.Applied)
	assert.GreaterOrEqual(t, result.WalOffset, uint64(1))

	result, err = engine.ApplyEvent("i1", "SHIP", nil, nil, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "paid", result.FromState)
	assert.Equal(t, "shipped", result.ToState)

	fetched, err := engine.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, "shipped", fetched.State)

	var ctx map[string]any
	require.NoError(t, json.Unmarshal(fetched.Ctx, &ctx))
	assert.Equal(t, float64(100), ctx["amount"])
}

func TestEngine_InvalidTransition(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.CreateInstance("i2", "order", 1, nil, "")
	require.NoError(t, err)

	_, err = engine.ApplyEvent("i2", "SHIP", nil, nil, nil, "", "")
	require.Error(t, err)
	assert.Equal(t, common.CodeInvalidTransition, common.CodeOf(err))
	assert.False(t, common.CodeOf(err).Retryable())

	instance, err := engine.GetInstance("i2")
	require.NoError(t, err)
	assert.Equal(t, "created", instance.State)
}

func TestEngine_GuardedTransition(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("approval", 1, json.RawMessage(`{
		"states": ["pending", "approved"],
		"initial": "pending",
		"transitions": [
			{"from": "pending", "event": "APPROVE", "to": "approved", "guard": "ctx.amount <= 1000"}
		]
	}`))
	require.NoError(t, err)

	_, _, err = engine.CreateInstance("small", "approval", 1, json.RawMessage(`{"amount":500}`), "")
	require.NoError(t, err)
	result, err := engine.ApplyEvent("small", "APPROVE", nil, nil, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, "approved", result.ToState)

	_, _, err = engine.CreateInstance("large", "approval", 1, json.RawMessage(`{"amount":2000}`), "")
	require.NoError(t, err)
	_, err = engine.ApplyEvent("large", "APPROVE", nil, nil, nil, "", "")
	require.Error(t, err)
	assert.Equal(t, common.CodeGuardFailed, common.CodeOf(err))

	instance, err := engine.GetInstance("large")
	require.NoError(t, err)
	assert.Equal(t, "pending", instance.State)
}

func TestEngine_OptimisticPreconditions(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	require.NoError(t, err)

	wrongState := "paid"
	_, err = engine.ApplyEvent("i1", "PAY", nil, &wrongState, nil, "", "")
	require.Error(t, err)
	assert.Equal(t, common.CodeConflict, common.CodeOf(err))

	wrongOffset := uint64(999999)
	_, err = engine.ApplyEvent("i1", "PAY", nil, nil, &wrongOffset, "", "")
	require.Error(t, err)
	assert.Equal(t, common.CodeConflict, common.CodeOf(err))

	// Matching preconditions succeed.
	instance, err := engine.GetInstance("i1")
	require.NoError(t, err)
	rightState := "created"
	_, err = engine.ApplyEvent("i1", "PAY", nil, &rightState, &instance.LastWalOffset, "", "")
	require.NoError(t, err)
}

func TestEngine_Idempotency(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	require.NoError(t, err)

	before := engine.WAL().NextSequence()

	result1, err := engine.ApplyEvent("i1", "PAY", nil, nil, nil, "", "k1")
	require.NoError(t, err)
	result2, err := engine.ApplyEvent("i1", "PAY", nil, nil, nil, "", "k1")
	require.NoError(t, err)

	assert.Equal(t, result1.WalOffset, result2.WalOffset)
	assert.Equal(t, "paid", result2.ToState)
	// Exactly one new WAL entry was appended for the pair.
	assert.Equal(t, before+1, engine.WAL().NextSequence())
}

func TestEngine_CreateInstanceErrors(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)

	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	require.NoError(t, err)

	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	assert.Equal(t, common.CodeInstanceExists, common.CodeOf(err))

	_, _, err = engine.CreateInstance("i9", "missing", 1, nil, "")
	assert.Equal(t, common.CodeMachineNotFound, common.CodeOf(err))
}

func TestEngine_DeleteInstance(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	require.NoError(t, err)

	offset, err := engine.DeleteInstance("i1", "")
	require.NoError(t, err)

	// Idempotent: deleting again returns the same offset without appending.
	before := engine.WAL().NextSequence()
	again, err := engine.DeleteInstance("i1", "")
	require.NoError(t, err)
	assert.Equal(t, offset, again)
	assert.Equal(t, before, engine.WAL().NextSequence())

	// Deleted instances reject further events.
	_, err = engine.ApplyEvent("i1", "PAY", nil, nil, nil, "", "")
	require.Error(t, err)

	// And drop out of the active enumeration.
	assert.Empty(t, engine.GetAllInstances())
	assert.Equal(t, 1, engine.InstanceCount())
}

func TestEngine_DurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	w := testWAL(t, dir)
	engine, err := NewEngine(w, Options{}, nil)
	require.NoError(t, err)

	_, _, err = engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("i-%d", i)
		_, _, err = engine.CreateInstance(id, "order", 1, nil, "")
		require.NoError(t, err)
		_, err = engine.ApplyEvent(id, "PAY", nil, nil, nil, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Reopen on the same data dir.
	reopened := testWAL(t, dir)
	defer reopened.Close()
	restored, err := NewEngine(reopened, Options{}, nil)
	require.NoError(t, err)

	// 1 put_machine + 10 creates + 10 events.
	assert.Equal(t, uint64(22), reopened.NextSequence())
	for i := 0; i < 10; i++ {
		instance, err := restored.GetInstance(fmt.Sprintf("i-%d", i))
		require.NoError(t, err)
		assert.Equal(t, "paid", instance.State)
	}

	// Definitions replay from their embedded JSON.
	def, err := restored.GetMachine("order", 1)
	require.NoError(t, err)
	assert.Equal(t, "created", def.Initial)
}

func TestEngine_IdempotencySurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	w := testWAL(t, dir)
	engine, err := NewEngine(w, Options{}, nil)
	require.NoError(t, err)
	_, _, err = engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)
	_, _, err = engine.CreateInstance("i1", "order", 1, nil, "")
	require.NoError(t, err)
	result, err := engine.ApplyEvent("i1", "PAY", nil, nil, nil, "", "k1")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened := testWAL(t, dir)
	defer reopened.Close()
	restored, err := NewEngine(reopened, Options{}, nil)
	require.NoError(t, err)

	replayed, err := restored.ApplyEvent("i1", "PAY", nil, nil, nil, "", "k1")
	require.NoError(t, err)
	assert.Equal(t, result.WalOffset, replayed.WalOffset)
	assert.Equal(t, result.ToState, replayed.ToState)
}

func TestEngine_StateAlwaysInDefinition(t *testing.T) {
	engine := testEngine(t)
	_, _, err := engine.PutMachine("order", 1, orderDefinition())
	require.NoError(t, err)

	_, _, err = engine.CreateInstance("i1", "order", 1, json.RawMessage(`{"items_ready":true}`), "")
	require.NoError(t, err)

	def, err := engine.GetMachine("order", 1)
	require.NoError(t, err)

	for _, event := range []string{"PAY", "SHIP"} {
		instance, err := engine.GetInstance("i1")
		require.NoError(t, err)
		assert.True(t, def.HasState(instance.State))
		_, err = engine.ApplyEvent("i1", event, nil, nil, nil, "", "")
		require.NoError(t, err)
	}
	instance, err := engine.GetInstance("i1")
	require.NoError(t, err)
	assert.True(t, def.HasState(instance.State))
}

func TestMergeCtx(t *testing.T) {
	// Object into object: shallow merge, payload wins.
	merged := mergeCtx(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":3,"c":4}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(merged, &m))
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, float64(3), m["b"])
	assert.Equal(t, float64(4), m["c"])

	// Non-object payload keeps the existing context.
	kept := mergeCtx(json.RawMessage(`{"a":1}`), json.RawMessage(`[1,2]`))
	assert.JSONEq(t, `{"a":1}`, string(kept))

	// Non-object context is kept untouched.
	kept = mergeCtx(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	assert.JSONEq(t, `[1,2]`, string(kept))
}

package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstmdb/rstmdb/internal/auth"
	"github.com/rstmdb/rstmdb/internal/client"
	"github.com/rstmdb/rstmdb/internal/common"
	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/protocol"
	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

// startTestServer boots a full server on an ephemeral port.
func startTestServer(t *testing.T, validator *auth.TokenValidator, authRequired bool) (*Server, string) {
	t.Helper()

	w, err := wal.Open(wal.Config{
		Dir:         t.TempDir(),
		SegmentSize: 1024 * 1024,
		FsyncPolicy: wal.FsyncPolicy{Mode: wal.FsyncEveryWrite},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	engine, err := machine.NewEngine(w, machine.Options{}, nil)
	require.NoError(t, err)
	snapshots, err := storage.OpenSnapshotStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	broadcaster := NewBroadcaster(64, nil)
	handler := NewHandler(engine, snapshots, broadcaster, nil, validator, authRequired, nil)

	srv := New(Config{
		BindAddr:       "127.0.0.1:0",
		IdleTimeout:    time.Minute,
		MaxConnections: 16,
	}, handler, nil)
	require.NoError(t, srv.Listen())

	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return srv, srv.Addr().String()
}

func mustCall(t *testing.T, c *client.Client, op protocol.Op, params any) map[string]any {
	t.Helper()
	response, err := c.Call(op, params)
	require.NoError(t, err)
	require.True(t, response.IsOk(), "op %s failed: %+v", op, response.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(response.Result, &result))
	return result
}

func putOrderMachineOverWire(t *testing.T, c *client.Client) {
	t.Helper()
	mustCall(t, c, protocol.OpPutMachine, map[string]any{
		"machine": "order",
		"version": 1,
		"definition": json.RawMessage(`{
			"states": ["created", "paid", "shipped"],
			"initial": "created",
			"transitions": [
				{"from": "created", "event": "PAY", "to": "paid"},
				{"from": "paid", "event": "SHIP", "to": "shipped"}
			]
		}`),
	})
}

func TestServer_BasicLifecycleOverWire(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	c, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "rstmdb", c.ServerName)

	putOrderMachineOverWire(t, c)

	result := mustCall(t, c, protocol.OpCreateInstance, map[string]any{
		"instance_id": "i1", "machine": "order", "version": 1,
	})
	assert.Equal(t, "created", result["state"])

	result = mustCall(t, c, protocol.OpApplyEvent, map[string]any{
		"instance_id": "i1", "event": "PAY",
	})
	assert.Equal(t, "created", result["from_state"])
	assert.Equal(t, "paid", result["to_state"])
	assert.Equal(t, true, result["applied"])
	assert.GreaterOrEqual(t, result["wal_offset"].(float64), float64(1))

	result = mustCall(t, c, protocol.OpApplyEvent, map[string]any{
		"instance_id": "i1", "event": "SHIP",
	})
	assert.Equal(t, "paid", result["from_state"])
	assert.Equal(t, "shipped", result["to_state"])

	result = mustCall(t, c, protocol.OpGetInstance, map[string]any{"instance_id": "i1"})
	assert.Equal(t, "shipped", result["state"])
}

func TestServer_JsonlWireMode(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	c, err := client.Connect(client.Options{
		Addr:           addr,
		WireMode:       protocol.WireModeJSONL,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	putOrderMachineOverWire(t, c)
	result := mustCall(t, c, protocol.OpCreateInstance, map[string]any{
		"instance_id": "j1", "machine": "order", "version": 1,
	})
	assert.Equal(t, "created", result["state"])

	result = mustCall(t, c, protocol.OpPing, nil)
	assert.Equal(t, true, result["pong"])
}

func TestServer_GuardedTransitionOverWire(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	c, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	mustCall(t, c, protocol.OpPutMachine, map[string]any{
		"machine": "approval",
		"version": 1,
		"definition": json.RawMessage(`{
			"states": ["pending", "approved"],
			"initial": "pending",
			"transitions": [
				{"from": "pending", "event": "APPROVE", "to": "approved", "guard": "ctx.amount <= 1000"}
			]
		}`),
	})

	mustCall(t, c, protocol.OpCreateInstance, map[string]any{
		"instance_id": "small", "machine": "approval", "version": 1,
		"initial_ctx": map[string]int{"amount": 500},
	})
	result := mustCall(t, c, protocol.OpApplyEvent, map[string]any{
		"instance_id": "small", "event": "APPROVE",
	})
	assert.Equal(t, "approved", result["to_state"])

	mustCall(t, c, protocol.OpCreateInstance, map[string]any{
		"instance_id": "large", "machine": "approval", "version": 1,
		"initial_ctx": map[string]int{"amount": 2000},
	})
	response, err := c.Call(protocol.OpApplyEvent, map[string]any{
		"instance_id": "large", "event": "APPROVE",
	})
	require.NoError(t, err)
	require.False(t, response.IsOk())
	assert.Equal(t, common.CodeGuardFailed, response.Error.Code)

	result = mustCall(t, c, protocol.OpGetInstance, map[string]any{"instance_id": "large"})
	assert.Equal(t, "pending", result["state"])
}

func TestServer_StreamingWatchAll(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	watcher, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer watcher.Close()

	writer, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer writer.Close()

	putOrderMachineOverWire(t, writer)
	mustCall(t, writer, protocol.OpCreateInstance, map[string]any{
		"instance_id": "w1", "machine": "order", "version": 1,
	})

	watch := mustCall(t, watcher, protocol.OpWatchAll, map[string]any{
		"machines":    []string{"order"},
		"include_ctx": true,
	})
	subscriptionID := watch["subscription_id"].(string)
	require.NotEmpty(t, subscriptionID)

	mustCall(t, writer, protocol.OpApplyEvent, map[string]any{
		"instance_id": "w1", "event": "PAY",
	})

	select {
	case event := <-watcher.Events():
		assert.Equal(t, subscriptionID, event.SubscriptionID)
		assert.Equal(t, "w1", event.InstanceID)
		assert.Equal(t, "created", event.FromState)
		assert.Equal(t, "paid", event.ToState)
		assert.Positive(t, event.WalOffset)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a stream event")
	}

	// After UNWATCH, further events are not delivered.
	mustCall(t, watcher, protocol.OpUnwatch, map[string]any{"subscription_id": subscriptionID})
	mustCall(t, writer, protocol.OpApplyEvent, map[string]any{
		"instance_id": "w1", "event": "SHIP",
	})

	select {
	case event, open := <-watcher.Events():
		if open {
			t.Fatalf("unexpected event after unwatch: %+v", event)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServer_WatchInstanceFiltersOtherInstances(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	c, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	putOrderMachineOverWire(t, c)
	for _, id := range []string{"x1", "x2"} {
		mustCall(t, c, protocol.OpCreateInstance, map[string]any{
			"instance_id": id, "machine": "order", "version": 1,
		})
	}

	watch := mustCall(t, c, protocol.OpWatchInstance, map[string]any{
		"instance_id": "x1", "include_ctx": false,
	})
	assert.Equal(t, "created", watch["current_state"])

	// An event on the other instance is not delivered.
	mustCall(t, c, protocol.OpApplyEvent, map[string]any{"instance_id": "x2", "event": "PAY"})
	// An event on the watched instance is.
	mustCall(t, c, protocol.OpApplyEvent, map[string]any{"instance_id": "x1", "event": "PAY"})

	select {
	case event := <-c.Events():
		assert.Equal(t, "x1", event.InstanceID)
		// include_ctx=false strips the context.
		assert.Nil(t, event.Ctx)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a stream event")
	}
}

func TestServer_AuthRequiredOverWire(t *testing.T) {
	validator := auth.NewTokenValidator([]string{auth.HashToken("s3cret")})
	_, addr := startTestServer(t, validator, true)

	// Without a token, gated ops are refused.
	c, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	response, err := c.Call(protocol.OpListMachines, nil)
	require.NoError(t, err)
	require.False(t, response.IsOk())
	assert.Equal(t, common.CodeUnauthorized, response.Error.Code)
	c.Close()

	// A wrong token fails the handshake.
	_, err = client.Connect(client.Options{Addr: addr, Token: "wrong", RequestTimeout: 5 * time.Second})
	require.Error(t, err)

	// The right token works end to end.
	c, err = client.Connect(client.Options{Addr: addr, Token: "s3cret", RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()
	mustCall(t, c, protocol.OpListMachines, nil)
}

func TestServer_MalformedRequestKeepsConnectionOpen(t *testing.T) {
	_, addr := startTestServer(t, nil, false)

	c, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	// An unknown op gets BAD_REQUEST...
	response, err := c.Call(protocol.Op("NONSENSE"), nil)
	require.NoError(t, err)
	require.False(t, response.IsOk())
	assert.Equal(t, common.CodeBadRequest, response.Error.Code)

	// ...and the session keeps working.
	result := mustCall(t, c, protocol.OpPing, nil)
	assert.Equal(t, true, result["pong"])
}

func TestServer_ConnectionLimit(t *testing.T) {
	w, err := wal.Open(wal.Config{
		Dir:         t.TempDir(),
		SegmentSize: 1024 * 1024,
		FsyncPolicy: wal.FsyncPolicy{Mode: wal.FsyncEveryWrite},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	engine, err := machine.NewEngine(w, machine.Options{}, nil)
	require.NoError(t, err)
	handler := NewHandler(engine, nil, NewBroadcaster(16, nil), nil, nil, false, nil)

	srv := New(Config{
		BindAddr:       "127.0.0.1:0",
		IdleTimeout:    time.Minute,
		MaxConnections: 1,
	}, handler, nil)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	addr := srv.Addr().String()

	first, err := client.Connect(client.Options{Addr: addr, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer first.Close()

	// The second connection is dropped before the handshake completes.
	_, err = client.Connect(client.Options{
		Addr:           addr,
		DialTimeout:    time.Second,
		RequestTimeout: time.Second,
	})
	require.Error(t, err)
}

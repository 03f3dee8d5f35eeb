package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(instanceID string) InstanceEvent {
	return InstanceEvent{
		InstanceID: instanceID,
		Machine:    "order",
		Version:    1,
		WalOffset:  42,
		FromState:  "created",
		ToState:    "paid",
		Event:      "PAY",
	}
}

func TestBroadcaster_SubscribeInstance(t *testing.T) {
	b := NewBroadcaster(16, nil)
	sub := b.SubscribeInstance("i-1", true)

	assert.Contains(t, sub.ID, "sub-")
	assert.Equal(t, 1, b.SubscriptionCount())

	b.Notify(testEvent("i-1"))

	select {
	case event := <-sub.C:
		assert.Equal(t, "i-1", event.InstanceID)
		assert.Equal(t, "PAY", event.Event)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestBroadcaster_InstanceChannelScoped(t *testing.T) {
	b := NewBroadcaster(16, nil)
	sub := b.SubscribeInstance("i-1", true)

	b.Notify(testEvent("i-2"))

	select {
	case <-sub.C:
		t.Fatal("subscription for i-1 must not see i-2 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_GlobalSeesEverything(t *testing.T) {
	b := NewBroadcaster(16, nil)
	sub := b.SubscribeAll(EventFilter{}, true)

	b.Notify(testEvent("i-1"))
	b.Notify(testEvent("i-2"))

	for _, want := range []string{"i-1", "i-2"} {
		select {
		case event := <-sub.C:
			assert.Equal(t, want, event.InstanceID)
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(16, nil)
	sub := b.SubscribeInstance("i-1", true)

	assert.True(t, b.Unsubscribe(sub.ID))
	assert.False(t, b.Unsubscribe(sub.ID))
	assert.Zero(t, b.SubscriptionCount())

	// The channel closes so forwarders terminate.
	_, open := <-sub.C
	assert.False(t, open)

	// Notifying after unsubscribe must not panic.
	b.Notify(testEvent("i-1"))
}

func TestBroadcaster_LaggingSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(2, nil)
	sub := b.SubscribeInstance("i-1", true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Notify(testEvent("i-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a lagging subscriber")
	}

	assert.Equal(t, uint64(8), sub.DroppedCount())
	assert.Len(t, sub.C, 2)
}

func TestEventFilter_Matches(t *testing.T) {
	event := testEvent("i-1")

	assert.True(t, (&EventFilter{}).Matches(&event))
	assert.True(t, (&EventFilter{Machines: []string{"order"}}).Matches(&event))
	assert.False(t, (&EventFilter{Machines: []string{"workflow"}}).Matches(&event))
	assert.True(t, (&EventFilter{ToStates: []string{"paid"}}).Matches(&event))
	assert.False(t, (&EventFilter{ToStates: []string{"shipped"}}).Matches(&event))
	assert.True(t, (&EventFilter{Events: []string{"PAY"}}).Matches(&event))
	assert.False(t, (&EventFilter{FromStates: []string{"paid"}}).Matches(&event))

	// All non-empty lists must match.
	filter := &EventFilter{
		Machines: []string{"order"},
		ToStates: []string{"paid", "shipped"},
	}
	assert.True(t, filter.Matches(&event))
	filter.Events = []string{"SHIP"}
	assert.False(t, filter.Matches(&event))
}

func TestSession_Lifecycle(t *testing.T) {
	session := NewSession("127.0.0.1:1234", false)
	assert.Equal(t, SessionConnected, session.State())
	assert.True(t, session.IsAuthenticated()) // auth not required

	session.CompleteHandshake(1, "binary_json", "test-client", []string{"batch"})
	assert.Equal(t, SessionAuthenticated, session.State())
	assert.Equal(t, "test-client", session.ClientName())
	assert.True(t, session.HasFeature("batch"))
	assert.False(t, session.HasFeature("bogus"))
}

func TestSession_AuthRequired(t *testing.T) {
	session := NewSession("127.0.0.1:1234", true)
	assert.False(t, session.IsAuthenticated())

	session.CompleteHandshake(1, "binary_json", "", nil)
	assert.Equal(t, SessionReady, session.State())

	session.SetAuthenticated(true)
	session.SetState(SessionAuthenticated)
	assert.Equal(t, SessionAuthenticated, session.State())
}

func TestSession_Subscriptions(t *testing.T) {
	session := NewSession("127.0.0.1:1234", false)
	session.AddInstanceSubscription("sub-1", "i-1")
	session.AddAllSubscription("sub-2")
	assert.Equal(t, 2, session.SubscriptionCount())

	removed, wasInstance := session.RemoveSubscription("sub-1")
	assert.True(t, removed)
	assert.True(t, wasInstance)

	removed, wasInstance = session.RemoveSubscription("sub-2")
	assert.True(t, removed)
	assert.False(t, wasInstance)

	removed, _ = session.RemoveSubscription("sub-1")
	assert.False(t, removed)
}

func TestSession_RequestTracking(t *testing.T) {
	session := NewSession("127.0.0.1:1234", false)
	require.Zero(t, session.RequestCount())

	session.RecordRequest()
	session.RecordRequest()
	assert.Equal(t, uint64(2), session.RequestCount())
	assert.Less(t, session.IdleDuration(), time.Second)
}

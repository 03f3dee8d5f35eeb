package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultChannelCapacity is the per-subscription buffer size.
const DefaultChannelCapacity = 1024

// InstanceEvent is a state transition published to subscribers.
type InstanceEvent struct {
	InstanceID string
	Machine    string
	Version    uint32
	WalOffset  uint64
	FromState  string
	ToState    string
	Event      string
	Payload    json.RawMessage
	Ctx        json.RawMessage
}

// EventFilter restricts a WATCH_ALL subscription. An event matches iff each
// non-empty list contains the event's corresponding field.
type EventFilter struct {
	Machines   []string
	FromStates []string
	ToStates   []string
	Events     []string
}

// Matches applies the filter to an event.
func (f *EventFilter) Matches(event *InstanceEvent) bool {
	return matchList(f.Machines, event.Machine) &&
		matchList(f.FromStates, event.FromState) &&
		matchList(f.ToStates, event.ToState) &&
		matchList(f.Events, event.Event)
}

func matchList(allow []string, value string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, v := range allow {
		if v == value {
			return true
		}
	}
	return false
}

// Subscription is a registered interest in instance events. Events arrive on
// C; Dropped counts events lost to backpressure.
type Subscription struct {
	ID         string
	InstanceID string // empty for global subscriptions
	All        bool
	Filter     EventFilter
	IncludeCtx bool

	C       chan InstanceEvent
	dropped atomic.Uint64
	closed  atomic.Bool
}

// DroppedCount returns the number of events this subscriber lagged past.
func (s *Subscription) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Broadcaster fans out instance events to subscribers with bounded buffering.
// The producer never blocks: a subscriber whose buffer is full misses events
// and its drop counter advances. It holds no engine state.
type Broadcaster struct {
	capacity int
	logger   *slog.Logger

	mu         sync.RWMutex
	byInstance map[string]map[string]*Subscription
	global     map[string]*Subscription
}

// NewBroadcaster creates a broadcaster with the given channel capacity.
func NewBroadcaster(capacity int, logger *slog.Logger) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		capacity:   capacity,
		logger:     logger,
		byInstance: make(map[string]map[string]*Subscription),
		global:     make(map[string]*Subscription),
	}
}

// SubscribeInstance registers interest in one instance's events.
func (b *Broadcaster) SubscribeInstance(instanceID string, includeCtx bool) *Subscription {
	sub := &Subscription{
		ID:         "sub-" + uuid.NewString(),
		InstanceID: instanceID,
		IncludeCtx: includeCtx,
		C:          make(chan InstanceEvent, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byInstance[instanceID] == nil {
		b.byInstance[instanceID] = make(map[string]*Subscription)
	}
	b.byInstance[instanceID][sub.ID] = sub
	return sub
}

// SubscribeAll registers interest in all events, optionally filtered.
func (b *Broadcaster) SubscribeAll(filter EventFilter, includeCtx bool) *Subscription {
	sub := &Subscription{
		ID:         "sub-" + uuid.NewString(),
		All:        true,
		Filter:     filter,
		IncludeCtx: includeCtx,
		C:          make(chan InstanceEvent, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel, which ends the
// forwarder reading from it. Returns whether the subscription existed.
func (b *Broadcaster) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.global[subscriptionID]; ok {
		delete(b.global, subscriptionID)
		b.closeSubscription(sub)
		return true
	}

	for instanceID, subs := range b.byInstance {
		if sub, ok := subs[subscriptionID]; ok {
			delete(subs, subscriptionID)
			if len(subs) == 0 {
				delete(b.byInstance, instanceID)
			}
			b.closeSubscription(sub)
			return true
		}
	}
	return false
}

func (b *Broadcaster) closeSubscription(sub *Subscription) {
	if !sub.closed.Swap(true) {
		close(sub.C)
	}
}

// Notify publishes an event to the instance's subscribers and every global
// subscriber. Sends never block; lagging subscribers miss events.
func (b *Broadcaster) Notify(event InstanceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byInstance[event.InstanceID] {
		b.send(sub, event)
	}
	for _, sub := range b.global {
		b.send(sub, event)
	}
}

func (b *Broadcaster) send(sub *Subscription, event InstanceEvent) {
	if sub.closed.Load() {
		return
	}
	select {
	case sub.C <- event:
	default:
		dropped := sub.dropped.Add(1)
		b.logger.Warn("dropped event for slow subscriber",
			"subscription_id", sub.ID,
			"instance_id", event.InstanceID,
			"dropped_total", dropped)
	}
}

// Get returns a subscription by id.
func (b *Broadcaster) Get(subscriptionID string) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, ok := b.global[subscriptionID]; ok {
		return sub, true
	}
	for _, subs := range b.byInstance {
		if sub, ok := subs[subscriptionID]; ok {
			return sub, true
		}
	}
	return nil, false
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.global)
	for _, subs := range b.byInstance {
		count += len(subs)
	}
	return count
}

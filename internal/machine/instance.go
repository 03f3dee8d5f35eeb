package machine

import (
	"encoding/json"
	"time"
)

// LifecycleStatus is the instance lifecycle state.
type LifecycleStatus string

const (
	// LifecycleActive marks a live instance.
	LifecycleActive LifecycleStatus = "active"
	// LifecycleDeleted marks a soft-deleted instance. State and context are
	// frozen and no further events may be applied.
	LifecycleDeleted LifecycleStatus = "deleted"
)

// Instance is a running occurrence of a machine.
type Instance struct {
	ID            string          `json:"id"`
	Machine       string          `json:"machine"`
	Version       uint32          `json:"version"`
	State         string          `json:"state"`
	Ctx           json.RawMessage `json:"ctx"`
	Lifecycle     LifecycleStatus `json:"lifecycle"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	LastWalOffset uint64          `json:"last_wal_offset"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// NewInstance creates an active instance in the given initial state.
func NewInstance(id, machineName string, version uint32, initialState string, initialCtx json.RawMessage, walOffset uint64) *Instance {
	now := time.Now().UnixMilli()
	if len(initialCtx) == 0 {
		initialCtx = json.RawMessage(`{}`)
	}
	return &Instance{
		ID:            id,
		Machine:       machineName,
		Version:       version,
		State:         initialState,
		Ctx:           initialCtx,
		Lifecycle:     LifecycleActive,
		LastWalOffset: walOffset,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ApplyTransition mutates the instance after a successful WAL append.
// last_wal_offset never decreases: offsets are assigned by the WAL in append
// order and transitions are serialised per instance.
func (i *Instance) ApplyTransition(newState string, newCtx json.RawMessage, eventID string, walOffset uint64) {
	i.State = newState
	i.Ctx = newCtx
	if eventID != "" {
		i.LastEventID = eventID
	}
	i.LastWalOffset = walOffset
	i.UpdatedAt = time.Now().UnixMilli()
}

// SoftDelete freezes the instance.
func (i *Instance) SoftDelete(walOffset uint64) {
	i.Lifecycle = LifecycleDeleted
	i.LastWalOffset = walOffset
	i.UpdatedAt = time.Now().UnixMilli()
}

// IsDeleted reports whether the instance is soft-deleted.
func (i *Instance) IsDeleted() bool {
	return i.Lifecycle == LifecycleDeleted
}

// Clone returns a copy safe to hand outside the engine's locks.
func (i *Instance) Clone() *Instance {
	copied := *i
	if i.Ctx != nil {
		copied.Ctx = append(json.RawMessage(nil), i.Ctx...)
	}
	return &copied
}

// Snapshot is an out-of-band checkpoint of a single instance at a known WAL
// offset.
type Snapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	InstanceID string          `json:"instance_id"`
	Machine    string          `json:"machine"`
	Version    uint32          `json:"version"`
	State      string          `json:"state"`
	Ctx        json.RawMessage `json:"ctx"`
	WalOffset  uint64          `json:"wal_offset"`
	CreatedAt  int64           `json:"created_at"`
}

// SnapshotOf captures the instance's current state.
func SnapshotOf(instance *Instance, snapshotID string) *Snapshot {
	return &Snapshot{
		SnapshotID: snapshotID,
		InstanceID: instance.ID,
		Machine:    instance.Machine,
		Version:    instance.Version,
		State:      instance.State,
		Ctx:        append(json.RawMessage(nil), instance.Ctx...),
		WalOffset:  instance.LastWalOffset,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

package wal

import (
	"encoding/json"
	"fmt"
)

// EntryType is the one-byte record type tag written in the record header.
type EntryType uint8

const (
	EntryTypePutMachine     EntryType = 1
	EntryTypeCreateInstance EntryType = 2
	EntryTypeApplyEvent     EntryType = 3
	EntryTypeDeleteInstance EntryType = 4
	EntryTypeSnapshot       EntryType = 5
	EntryTypeCheckpoint     EntryType = 6
	EntryTypeNoop           EntryType = 255
)

// String returns the wire name of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryTypePutMachine:
		return "put_machine"
	case EntryTypeCreateInstance:
		return "create_instance"
	case EntryTypeApplyEvent:
		return "apply_event"
	case EntryTypeDeleteInstance:
		return "delete_instance"
	case EntryTypeSnapshot:
		return "snapshot"
	case EntryTypeCheckpoint:
		return "checkpoint"
	case EntryTypeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// ParseEntryType validates a raw type byte read from a record header.
func ParseEntryType(b uint8) (EntryType, error) {
	switch EntryType(b) {
	case EntryTypePutMachine, EntryTypeCreateInstance, EntryTypeApplyEvent,
		EntryTypeDeleteInstance, EntryTypeSnapshot, EntryTypeCheckpoint, EntryTypeNoop:
		return EntryType(b), nil
	default:
		return 0, fmt.Errorf("unknown entry type: %d", b)
	}
}

// Entry is a tagged WAL entry. The Type field discriminates which of the
// remaining fields are meaningful; the JSON encoding is self-describing so
// records can be inspected with standard tooling.
type Entry struct {
	Type string `json:"type"`

	// put_machine
	Machine        string          `json:"machine,omitempty"`
	Version        uint32          `json:"version,omitempty"`
	DefinitionHash string          `json:"definition_hash,omitempty"`
	Definition     json.RawMessage `json:"definition,omitempty"`

	// create_instance / apply_event / delete_instance / snapshot
	InstanceID string          `json:"instance_id,omitempty"`
	InitState  string          `json:"initial_state,omitempty"`
	InitCtx    json.RawMessage `json:"initial_ctx,omitempty"`

	// apply_event
	Event     string          `json:"event,omitempty"`
	FromState string          `json:"from_state,omitempty"`
	ToState   string          `json:"to_state,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ctx       json.RawMessage `json:"ctx,omitempty"`
	EventID   string          `json:"event_id,omitempty"`

	// snapshot
	SnapshotID string `json:"snapshot_id,omitempty"`
	State      string `json:"state,omitempty"`

	// checkpoint
	Timestamp int64 `json:"timestamp,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// EntryTypeTag returns the header type tag for the entry.
func (e *Entry) EntryTypeTag() (EntryType, error) {
	switch e.Type {
	case "put_machine":
		return EntryTypePutMachine, nil
	case "create_instance":
		return EntryTypeCreateInstance, nil
	case "apply_event":
		return EntryTypeApplyEvent, nil
	case "delete_instance":
		return EntryTypeDeleteInstance, nil
	case "snapshot":
		return EntryTypeSnapshot, nil
	case "checkpoint":
		return EntryTypeCheckpoint, nil
	default:
		return 0, fmt.Errorf("unknown entry type: %q", e.Type)
	}
}

// PutMachineEntry builds a put_machine entry.
func PutMachineEntry(machine string, version uint32, hash string, definition json.RawMessage) *Entry {
	return &Entry{
		Type:           "put_machine",
		Machine:        machine,
		Version:        version,
		DefinitionHash: hash,
		Definition:     definition,
	}
}

// CreateInstanceEntry builds a create_instance entry.
func CreateInstanceEntry(instanceID, machine string, version uint32, initialState string, initialCtx json.RawMessage, idempotencyKey string) *Entry {
	return &Entry{
		Type:           "create_instance",
		InstanceID:     instanceID,
		Machine:        machine,
		Version:        version,
		InitState:      initialState,
		InitCtx:        initialCtx,
		IdempotencyKey: idempotencyKey,
	}
}

// ApplyEventEntry builds an apply_event entry.
func ApplyEventEntry(instanceID, event, fromState, toState string, payload, ctx json.RawMessage, eventID, idempotencyKey string) *Entry {
	return &Entry{
		Type:           "apply_event",
		InstanceID:     instanceID,
		Event:          event,
		FromState:      fromState,
		ToState:        toState,
		Payload:        payload,
		Ctx:            ctx,
		EventID:        eventID,
		IdempotencyKey: idempotencyKey,
	}
}

// DeleteInstanceEntry builds a delete_instance entry.
func DeleteInstanceEntry(instanceID, idempotencyKey string) *Entry {
	return &Entry{
		Type:           "delete_instance",
		InstanceID:     instanceID,
		IdempotencyKey: idempotencyKey,
	}
}

// SnapshotEntry builds a snapshot marker entry.
func SnapshotEntry(instanceID, snapshotID, state string, ctx json.RawMessage) *Entry {
	return &Entry{
		Type:       "snapshot",
		InstanceID: instanceID,
		SnapshotID: snapshotID,
		State:      state,
		Ctx:        ctx,
	}
}

// CheckpointEntry builds a checkpoint marker entry.
func CheckpointEntry(timestamp int64) *Entry {
	return &Entry{Type: "checkpoint", Timestamp: timestamp}
}

// Marshal serializes the entry to its JSON payload form.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEntry deserializes a record payload back into an Entry.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

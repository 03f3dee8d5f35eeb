package machine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rstmdb/rstmdb/internal/wal"
)

// ApplyResult is the outcome of a successful ApplyEvent.
type ApplyResult struct {
	FromState string          `json:"from_state"`
	ToState   string          `json:"to_state"`
	Ctx       json.RawMessage `json:"ctx"`
	WalOffset uint64          `json:"wal_offset"`
	Sequence  uint64          `json:"sequence"`
	Applied   bool            `json:"applied"`
}

type defKey struct {
	name    string
	version uint32
}

type idemKey struct {
	instanceID string
	key        string
}

// instanceSlot pairs an instance with its write lock. The lock is held
// across the WAL append so per-instance operations are totally ordered.
type instanceSlot struct {
	mu       sync.Mutex
	instance *Instance
}

// Engine owns the authoritative in-memory view of machines and instances.
// Every mutation is appended to the WAL before memory is updated; on open
// the engine replays the WAL to reconstruct state.
type Engine struct {
	walLog *wal.WAL
	logger *slog.Logger

	// defMu/instMu guard map structure only; instance mutation goes
	// through each slot's own lock so disjoint instances do not contend.
	defMu       sync.RWMutex
	definitions map[defKey]*Definition

	instMu    sync.RWMutex
	instances map[string]*instanceSlot

	idemMu      sync.RWMutex
	idempotency map[idemKey]ApplyResult

	maxMachineVersions uint32
}

// Options tune engine behavior.
type Options struct {
	// MaxMachineVersions caps the number of versions per machine name
	// (0 = unlimited).
	MaxMachineVersions uint32
}

// NewEngine builds an engine over an open WAL and replays it.
func NewEngine(walLog *wal.WAL, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		walLog:             walLog,
		logger:             logger,
		definitions:        make(map[defKey]*Definition),
		instances:          make(map[string]*instanceSlot),
		idempotency:        make(map[idemKey]ApplyResult),
		maxMachineVersions: opts.MaxMachineVersions,
	}

	if err := e.replay(); err != nil {
		return nil, err
	}
	return e, nil
}

// replay reads the WAL from offset zero and reconstructs state. The log is
// authoritative: guards are not re-evaluated.
func (e *Engine) replay() error {
	entries, err := e.walLog.ReadFrom(0, 0)
	if err != nil {
		return fmt.Errorf("wal replay failed: %w", err)
	}

	for _, item := range entries {
		e.replayEntry(item.Sequence, item.Offset, item.Entry)
	}

	if len(entries) > 0 {
		e.logger.Info("WAL replay complete",
			"entries", len(entries),
			"machines", len(e.definitions),
			"instances", len(e.instances))
	}
	return nil
}

func (e *Engine) replayEntry(sequence uint64, offset wal.Offset, entry *wal.Entry) {
	switch entry.Type {
	case "put_machine":
		// Older entries may lack an embedded definition; skip those.
		if len(entry.Definition) == 0 {
			e.logger.Warn("cannot replay machine without embedded definition",
				"machine", entry.Machine, "version", entry.Version)
			return
		}
		key := defKey{name: entry.Machine, version: entry.Version}
		if _, exists := e.definitions[key]; exists {
			return
		}
		def, err := ParseDefinition(entry.Machine, entry.Version, entry.Definition)
		if err != nil {
			e.logger.Warn("failed to replay machine definition",
				"machine", entry.Machine, "version", entry.Version, "error", err)
			return
		}
		e.definitions[key] = def

	case "create_instance":
		if _, exists := e.instances[entry.InstanceID]; exists {
			return
		}
		instance := NewInstance(entry.InstanceID, entry.Machine, entry.Version,
			entry.InitState, entry.InitCtx, offset.Uint64())
		e.instances[entry.InstanceID] = &instanceSlot{instance: instance}
		if entry.IdempotencyKey != "" {
			e.idempotency[idemKey{entry.InstanceID, entry.IdempotencyKey}] = ApplyResult{
				ToState:   entry.InitState,
				Ctx:       instance.Ctx,
				WalOffset: offset.Uint64(),
				Sequence:  sequence,
				Applied:   true,
			}
		}

	case "apply_event":
		slot, ok := e.instances[entry.InstanceID]
		if !ok {
			return
		}
		slot.instance.ApplyTransition(entry.ToState, entry.Ctx, entry.EventID, offset.Uint64())
		if entry.IdempotencyKey != "" {
			e.idempotency[idemKey{entry.InstanceID, entry.IdempotencyKey}] = ApplyResult{
				FromState: entry.FromState,
				ToState:   entry.ToState,
				Ctx:       entry.Ctx,
				WalOffset: offset.Uint64(),
				Sequence:  sequence,
				Applied:   true,
			}
		}

	case "delete_instance":
		if slot, ok := e.instances[entry.InstanceID]; ok {
			slot.instance.SoftDelete(offset.Uint64())
		}

	case "snapshot", "checkpoint":
		// Markers do not affect in-memory state.
	}
}

// =========================================================================
// Machine definition management
// =========================================================================

// PutMachine parses, validates and registers a definition. Registering the
// identical definition again is an idempotent no-op; a different definition
// under an existing (name, version) fails.
func (e *Engine) PutMachine(name string, version uint32, definitionJSON json.RawMessage) (string, bool, error) {
	newDef, err := ParseDefinition(name, version, definitionJSON)
	if err != nil {
		return "", false, err
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()

	key := defKey{name: name, version: version}
	if existing, ok := e.definitions[key]; ok {
		if existing.Checksum == newDef.Checksum {
			return existing.Checksum, false, nil
		}
		return "", false, newMachineVersionExistsError(name, version)
	}

	if e.maxMachineVersions > 0 {
		have := 0
		for k := range e.definitions {
			if k.name == name {
				have++
			}
		}
		if have >= int(e.maxMachineVersions) {
			return "", false, newMachineVersionLimitError(name, have, e.maxMachineVersions)
		}
	}

	entry := wal.PutMachineEntry(name, version, newDef.Checksum, definitionJSON)
	if _, _, err := e.walLog.Append(entry); err != nil {
		return "", false, newWalIoError(err)
	}

	e.definitions[key] = newDef
	return newDef.Checksum, true, nil
}

// GetMachine returns a registered definition.
func (e *Engine) GetMachine(name string, version uint32) (*Definition, error) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()

	def, ok := e.definitions[defKey{name: name, version: version}]
	if !ok {
		return nil, newMachineNotFoundError(name, version)
	}
	return def, nil
}

// ListMachines maps machine name to its sorted versions.
func (e *Engine) ListMachines() map[string][]uint32 {
	e.defMu.RLock()
	defer e.defMu.RUnlock()

	result := make(map[string][]uint32)
	for key := range e.definitions {
		result[key.name] = append(result[key.name], key.version)
	}
	for _, versions := range result {
		sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	}
	return result
}

// MachineVersions returns the registered versions of a machine, sorted.
func (e *Engine) MachineVersions(name string) []uint32 {
	return e.ListMachines()[name]
}

// =========================================================================
// Instance management
// =========================================================================

// CreateInstance creates an instance in its machine's initial state.
func (e *Engine) CreateInstance(instanceID, machineName string, version uint32, initialCtx json.RawMessage, idempotencyKey string) (*Instance, uint64, error) {
	if idempotencyKey != "" {
		if cached, ok := e.idempotencyResult(instanceID, idempotencyKey); ok {
			if instance, err := e.GetInstance(instanceID); err == nil {
				return instance, cached.Sequence, nil
			}
		}
	}

	definition, err := e.GetMachine(machineName, version)
	if err != nil {
		return nil, 0, err
	}

	if len(initialCtx) == 0 {
		initialCtx = json.RawMessage(`{}`)
	}

	e.instMu.Lock()
	defer e.instMu.Unlock()

	if _, exists := e.instances[instanceID]; exists {
		return nil, 0, newInstanceExistsError(instanceID)
	}

	entry := wal.CreateInstanceEntry(instanceID, machineName, version,
		definition.Initial, initialCtx, idempotencyKey)
	sequence, offset, err := e.walLog.Append(entry)
	if err != nil {
		return nil, 0, newWalIoError(err)
	}

	instance := NewInstance(instanceID, machineName, version,
		definition.Initial, initialCtx, offset.Uint64())
	e.instances[instanceID] = &instanceSlot{instance: instance}

	if idempotencyKey != "" {
		e.storeIdempotencyResult(instanceID, idempotencyKey, ApplyResult{
			ToState:   instance.State,
			Ctx:       instance.Ctx,
			WalOffset: offset.Uint64(),
			Sequence:  sequence,
			Applied:   true,
		})
	}

	return instance.Clone(), sequence, nil
}

// GetInstance returns a copy of an instance.
func (e *Engine) GetInstance(instanceID string) (*Instance, error) {
	slot, err := e.slot(instanceID)
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.instance.Clone(), nil
}

func (e *Engine) slot(instanceID string) (*instanceSlot, error) {
	e.instMu.RLock()
	defer e.instMu.RUnlock()

	slot, ok := e.instances[instanceID]
	if !ok {
		return nil, newInstanceNotFoundError(instanceID)
	}
	return slot, nil
}

// ApplyEvent validates and executes a transition on an instance. The
// instance's write lock is held across the WAL append, so two applies on the
// same instance serialise while applies on different instances proceed in
// parallel up to the WAL's writer mutex.
func (e *Engine) ApplyEvent(instanceID, event string, payload json.RawMessage, expectedState *string, expectedWalOffset *uint64, eventID, idempotencyKey string) (*ApplyResult, error) {
	if idempotencyKey != "" {
		if cached, ok := e.idempotencyResult(instanceID, idempotencyKey); ok {
			return &cached, nil
		}
	}

	slot, err := e.slot(instanceID)
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	instance := slot.instance

	if instance.IsDeleted() {
		return nil, newDeletedInstanceError(instanceID)
	}

	// Optimistic preconditions.
	if expectedState != nil && instance.State != *expectedState {
		return nil, newStateConflictError(*expectedState, instance.State)
	}
	if expectedWalOffset != nil && instance.LastWalOffset != *expectedWalOffset {
		return nil, newWalOffsetConflictError(*expectedWalOffset, instance.LastWalOffset)
	}

	definition, err := e.GetMachine(instance.Machine, instance.Version)
	if err != nil {
		return nil, err
	}

	toState, guard, ok := definition.Transition(instance.State, event)
	if !ok {
		return nil, newInvalidTransitionError(instance.State, event)
	}

	if guard != nil {
		var ctxValue any
		if len(instance.Ctx) > 0 {
			if err := json.Unmarshal(instance.Ctx, &ctxValue); err != nil {
				return nil, NewInvalidDefinitionError(
					fmt.Sprintf("instance context is not valid JSON: %v", err))
			}
		}
		if !guard.Evaluate(ctxValue) {
			return nil, newGuardFailedError(instance.State, toState, event)
		}
	}

	newCtx := mergeCtx(instance.Ctx, payload)

	entry := wal.ApplyEventEntry(instanceID, event, instance.State, toState,
		payload, newCtx, eventID, idempotencyKey)
	sequence, offset, err := e.walLog.Append(entry)
	if err != nil {
		return nil, newWalIoError(err)
	}

	result := ApplyResult{
		FromState: instance.State,
		ToState:   toState,
		Ctx:       newCtx,
		WalOffset: offset.Uint64(),
		Sequence:  sequence,
		Applied:   true,
	}

	instance.ApplyTransition(toState, newCtx, eventID, offset.Uint64())

	if idempotencyKey != "" {
		e.storeIdempotencyResult(instanceID, idempotencyKey, result)
	}

	return &result, nil
}

// DeleteInstance soft-deletes an instance. Deleting an already-deleted
// instance is idempotent and returns its last offset.
func (e *Engine) DeleteInstance(instanceID, idempotencyKey string) (uint64, error) {
	slot, err := e.slot(instanceID)
	if err != nil {
		return 0, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	instance := slot.instance

	if instance.IsDeleted() {
		return instance.LastWalOffset, nil
	}

	entry := wal.DeleteInstanceEntry(instanceID, idempotencyKey)
	_, offset, err := e.walLog.Append(entry)
	if err != nil {
		return 0, newWalIoError(err)
	}

	instance.SoftDelete(offset.Uint64())
	return offset.Uint64(), nil
}

// GetAllInstances returns copies of all non-deleted instances.
func (e *Engine) GetAllInstances() []*Instance {
	e.instMu.RLock()
	slots := make([]*instanceSlot, 0, len(e.instances))
	for _, slot := range e.instances {
		slots = append(slots, slot)
	}
	e.instMu.RUnlock()

	result := make([]*Instance, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		if !slot.instance.IsDeleted() {
			result = append(result, slot.instance.Clone())
		}
		slot.mu.Unlock()
	}
	return result
}

// ListInstanceIDs returns all instance ids, deleted included.
func (e *Engine) ListInstanceIDs() []string {
	e.instMu.RLock()
	defer e.instMu.RUnlock()

	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	return ids
}

// InstanceCount returns the number of instances, deleted included.
func (e *Engine) InstanceCount() int {
	e.instMu.RLock()
	defer e.instMu.RUnlock()
	return len(e.instances)
}

// WAL exposes the underlying log for WAL_READ / WAL_STATS / compaction.
func (e *Engine) WAL() *wal.WAL {
	return e.walLog
}

// Sync forces the WAL to stable storage.
func (e *Engine) Sync() error {
	return e.walLog.Sync()
}

func (e *Engine) idempotencyResult(instanceID, key string) (ApplyResult, bool) {
	e.idemMu.RLock()
	defer e.idemMu.RUnlock()
	result, ok := e.idempotency[idemKey{instanceID, key}]
	return result, ok
}

func (e *Engine) storeIdempotencyResult(instanceID, key string, result ApplyResult) {
	e.idemMu.Lock()
	defer e.idemMu.Unlock()
	e.idempotency[idemKey{instanceID, key}] = result
}

// mergeCtx shallow-merges payload into ctx. Both must be JSON objects for
// merging to occur; otherwise the existing context is kept.
func mergeCtx(ctx, payload json.RawMessage) json.RawMessage {
	keep := func() json.RawMessage {
		if len(ctx) == 0 {
			return json.RawMessage(`{}`)
		}
		return append(json.RawMessage(nil), ctx...)
	}

	if len(payload) == 0 {
		return keep()
	}

	var ctxMap, payloadMap map[string]any
	if err := json.Unmarshal(ctx, &ctxMap); err != nil || ctxMap == nil {
		return keep()
	}
	if err := json.Unmarshal(payload, &payloadMap); err != nil || payloadMap == nil {
		return keep()
	}

	for k, v := range payloadMap {
		ctxMap[k] = v
	}
	merged, err := json.Marshal(ctxMap)
	if err != nil {
		return keep()
	}
	return merged
}

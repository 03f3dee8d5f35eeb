package server

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rstmdb/rstmdb/internal/auth"
	"github.com/rstmdb/rstmdb/internal/common"
	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/metrics"
	"github.com/rstmdb/rstmdb/internal/protocol"
	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

// Version is the server version string reported by HELLO and INFO.
const Version = "1.0.0"

// ServerInfo is the capability set advertised to clients.
type ServerInfo struct {
	Name          string
	Version       string
	Features      []string
	MaxFrameBytes uint32
	MaxBatchOps   int
}

// DefaultServerInfo returns the standard capability set.
func DefaultServerInfo() ServerInfo {
	return ServerInfo{
		Name:          "rstmdb",
		Version:       Version,
		Features:      []string{"idempotency", "batch", "wal_read"},
		MaxFrameBytes: protocol.MaxPayloadSize,
		MaxBatchOps:   100,
	}
}

// Handler routes requests to the engine, snapshot store and broadcaster.
type Handler struct {
	engine       *machine.Engine
	snapshots    *storage.SnapshotStore
	broadcaster  *Broadcaster
	metrics      *metrics.Metrics
	validator    *auth.TokenValidator
	authRequired bool
	info         ServerInfo
	logger       *slog.Logger
}

// NewHandler builds a request handler.
func NewHandler(engine *machine.Engine, snapshots *storage.SnapshotStore, broadcaster *Broadcaster, m *metrics.Metrics, validator *auth.TokenValidator, authRequired bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:       engine,
		snapshots:    snapshots,
		broadcaster:  broadcaster,
		metrics:      m,
		validator:    validator,
		authRequired: authRequired,
		info:         DefaultServerInfo(),
		logger:       logger,
	}
}

// requiresAuth reports whether an operation is gated behind authentication.
// HELLO, AUTH, PING and BYE are always allowed.
func (h *Handler) requiresAuth(op protocol.Op) bool {
	if !h.authRequired {
		return false
	}
	switch op {
	case protocol.OpHello, protocol.OpAuth, protocol.OpPing, protocol.OpBye:
		return false
	}
	return true
}

// Handle dispatches one request and returns the response. Watch operations
// are registered here too; the caller uses HandleWatch* directly when it
// needs the subscription for a forwarder.
func (h *Handler) Handle(session *Session, request *protocol.Request) *protocol.Response {
	session.RecordRequest()

	start := time.Now()
	opName := string(request.Op)

	defer func() {
		if h.metrics != nil {
			h.metrics.RequestDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
		}
	}()
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(opName).Inc()
	}

	if h.requiresAuth(request.Op) && !session.IsAuthenticated() {
		if h.metrics != nil {
			h.metrics.ErrorsTotal.WithLabelValues(string(common.CodeUnauthorized)).Inc()
		}
		return protocol.ErrorResponse(request.ID, common.CodeUnauthorized, "authentication required")
	}

	result, err := h.dispatch(session, request)
	if err != nil {
		code := common.CodeOf(err)
		if h.metrics != nil {
			h.metrics.ErrorsTotal.WithLabelValues(string(code)).Inc()
		}
		return protocol.ErrorResponse(request.ID, code, common.MessageOf(err))
	}
	return protocol.OkResponse(request.ID, result)
}

func (h *Handler) dispatch(session *Session, request *protocol.Request) (any, error) {
	switch request.Op {
	case protocol.OpHello:
		return h.handleHello(session, request.Params)
	case protocol.OpAuth:
		return h.handleAuth(session, request.Params)
	case protocol.OpPing:
		return map[string]bool{"pong": true}, nil
	case protocol.OpBye:
		session.SetState(SessionClosing)
		return map[string]bool{"goodbye": true}, nil
	case protocol.OpInfo:
		return h.handleInfo()
	case protocol.OpPutMachine:
		return h.handlePutMachine(request.Params)
	case protocol.OpGetMachine:
		return h.handleGetMachine(request.Params)
	case protocol.OpListMachines:
		return h.handleListMachines()
	case protocol.OpCreateInstance:
		return h.handleCreateInstance(request.Params)
	case protocol.OpGetInstance:
		return h.handleGetInstance(request.Params)
	case protocol.OpListInstances:
		return h.handleListInstances(request.Params)
	case protocol.OpDeleteInstance:
		return h.handleDeleteInstance(request.Params)
	case protocol.OpApplyEvent:
		return h.handleApplyEvent(request.Params)
	case protocol.OpBatch:
		return h.handleBatch(session, request.Params)
	case protocol.OpSnapshotInstance:
		return h.handleSnapshotInstance(request.Params)
	case protocol.OpWalRead:
		return h.handleWalRead(request.Params)
	case protocol.OpWalStats:
		return h.handleWalStats()
	case protocol.OpCompact:
		return h.handleCompact(request.Params)
	case protocol.OpWatchInstance:
		result, _, err := h.HandleWatchInstance(session, request.Params)
		return result, err
	case protocol.OpWatchAll:
		result, _, err := h.HandleWatchAll(session, request.Params)
		return result, err
	case protocol.OpUnwatch:
		return h.handleUnwatch(session, request.Params)
	default:
		return nil, common.NewErrorf(common.CodeBadRequest, "unknown operation: %s", request.Op)
	}
}

func decodeParams[T any](params json.RawMessage) (*T, error) {
	var decoded T
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, common.WrapError(common.CodeBadRequest, "malformed params", err)
		}
	}
	return &decoded, nil
}

// -------------------------------------------------------------------------
// Session operations
// -------------------------------------------------------------------------

type helloParams struct {
	ProtocolVersion uint16   `json:"protocol_version"`
	WireModes       []string `json:"wire_modes"`
	ClientName      string   `json:"client_name"`
	Features        []string `json:"features"`
}

type helloResult struct {
	ProtocolVersion uint16   `json:"protocol_version"`
	WireMode        string   `json:"wire_mode"`
	ServerName      string   `json:"server_name"`
	ServerVersion   string   `json:"server_version"`
	Features        []string `json:"features"`
}

func (h *Handler) handleHello(session *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[helloParams](params)
	if err != nil {
		return nil, err
	}

	if p.ProtocolVersion != protocol.ProtocolVersion {
		return nil, common.NewErrorf(common.CodeUnsupportedProtocol,
			"unsupported protocol version: %d", p.ProtocolVersion)
	}

	// Prefer binary_json, fall back to jsonl, default to binary.
	mode := protocol.WireModeBinaryJSON
	if !contains(p.WireModes, string(protocol.WireModeBinaryJSON)) &&
		contains(p.WireModes, string(protocol.WireModeJSONL)) {
		mode = protocol.WireModeJSONL
	}

	// Features: intersection of server and client lists.
	var negotiated []string
	for _, f := range h.info.Features {
		if contains(p.Features, f) {
			negotiated = append(negotiated, f)
		}
	}
	sort.Strings(negotiated)

	session.CompleteHandshake(p.ProtocolVersion, mode, p.ClientName, negotiated)

	return helloResult{
		ProtocolVersion: protocol.ProtocolVersion,
		WireMode:        string(mode),
		ServerName:      h.info.Name,
		ServerVersion:   h.info.Version,
		Features:        negotiated,
	}, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

type authParams struct {
	Method string `json:"method"`
	Token  string `json:"token"`
}

func (h *Handler) handleAuth(session *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[authParams](params)
	if err != nil {
		return nil, err
	}

	if p.Method != "bearer" {
		return nil, common.NewErrorf(common.CodeAuthFailed,
			"unsupported auth method: %s", p.Method)
	}

	// With no hashes configured, any non-empty token is accepted.
	if h.validator == nil || !h.validator.HasTokens() {
		if p.Token == "" {
			return nil, common.NewError(common.CodeAuthFailed, "empty token")
		}
		session.SetAuthenticated(true)
		session.SetState(SessionAuthenticated)
		return map[string]bool{"authenticated": true}, nil
	}

	if !h.validator.Validate(p.Token) {
		return nil, common.NewError(common.CodeAuthFailed, "invalid token")
	}
	session.SetAuthenticated(true)
	session.SetState(SessionAuthenticated)
	return map[string]bool{"authenticated": true}, nil
}

func (h *Handler) handleInfo() (any, error) {
	return map[string]any{
		"server_name":      h.info.Name,
		"server_version":   h.info.Version,
		"protocol_version": protocol.ProtocolVersion,
		"features":         h.info.Features,
		"max_frame_bytes":  h.info.MaxFrameBytes,
		"max_batch_ops":    h.info.MaxBatchOps,
	}, nil
}

// -------------------------------------------------------------------------
// Machine operations
// -------------------------------------------------------------------------

type putMachineParams struct {
	Machine    string          `json:"machine"`
	Version    uint32          `json:"version"`
	Definition json.RawMessage `json:"definition"`
}

func (h *Handler) handlePutMachine(params json.RawMessage) (any, error) {
	p, err := decodeParams[putMachineParams](params)
	if err != nil {
		return nil, err
	}
	if p.Machine == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing machine")
	}
	if len(p.Definition) == 0 {
		return nil, common.NewError(common.CodeBadRequest, "missing definition")
	}

	checksum, created, err := h.engine.PutMachine(p.Machine, p.Version, p.Definition)
	if err != nil {
		return nil, err
	}
	h.updateGauges()

	return map[string]any{
		"machine":         p.Machine,
		"version":         p.Version,
		"stored_checksum": checksum,
		"created":         created,
	}, nil
}

type getMachineParams struct {
	Machine string `json:"machine"`
	Version uint32 `json:"version"`
}

func (h *Handler) handleGetMachine(params json.RawMessage) (any, error) {
	p, err := decodeParams[getMachineParams](params)
	if err != nil {
		return nil, err
	}

	def, err := h.engine.GetMachine(p.Machine, p.Version)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"definition": def.JSON(),
		"checksum":   def.Checksum,
	}, nil
}

func (h *Handler) handleListMachines() (any, error) {
	machines := h.engine.ListMachines()

	names := make([]string, 0, len(machines))
	for name := range machines {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, map[string]any{
			"machine":  name,
			"versions": machines[name],
		})
	}
	return map[string]any{"items": items}, nil
}

// -------------------------------------------------------------------------
// Instance operations
// -------------------------------------------------------------------------

type createInstanceParams struct {
	InstanceID     string          `json:"instance_id"`
	Machine        string          `json:"machine"`
	Version        uint32          `json:"version"`
	InitialCtx     json.RawMessage `json:"initial_ctx"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (h *Handler) handleCreateInstance(params json.RawMessage) (any, error) {
	p, err := decodeParams[createInstanceParams](params)
	if err != nil {
		return nil, err
	}
	if p.Machine == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing machine")
	}

	instanceID := p.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	instance, _, err := h.engine.CreateInstance(instanceID, p.Machine, p.Version, p.InitialCtx, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	h.updateGauges()

	return map[string]any{
		"instance_id": instance.ID,
		"state":       instance.State,
		"wal_offset":  instance.LastWalOffset,
	}, nil
}

type getInstanceParams struct {
	InstanceID string `json:"instance_id"`
}

func (h *Handler) handleGetInstance(params json.RawMessage) (any, error) {
	p, err := decodeParams[getInstanceParams](params)
	if err != nil {
		return nil, err
	}
	if p.InstanceID == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing instance_id")
	}

	instance, err := h.engine.GetInstance(p.InstanceID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"machine":         instance.Machine,
		"version":         instance.Version,
		"state":           instance.State,
		"ctx":             instance.Ctx,
		"last_event_id":   instance.LastEventID,
		"last_wal_offset": instance.LastWalOffset,
	}, nil
}

type listInstancesParams struct {
	Machine string `json:"machine"`
	State   string `json:"state"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
}

func (h *Handler) handleListInstances(params json.RawMessage) (any, error) {
	p, err := decodeParams[listInstancesParams](params)
	if err != nil {
		return nil, err
	}

	all := h.engine.GetAllInstances()
	filtered := all[:0:0]
	for _, instance := range all {
		if p.Machine != "" && instance.Machine != p.Machine {
			continue
		}
		if p.State != "" && instance.State != p.State {
			continue
		}
		filtered = append(filtered, instance)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	total := len(filtered)
	offset := p.Offset
	if offset > total {
		offset = total
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	// Summaries without ctx.
	instances := make([]map[string]any, 0, len(page))
	for _, instance := range page {
		instances = append(instances, map[string]any{
			"id":              instance.ID,
			"machine":         instance.Machine,
			"version":         instance.Version,
			"state":           instance.State,
			"created_at":      instance.CreatedAt,
			"updated_at":      instance.UpdatedAt,
			"last_wal_offset": instance.LastWalOffset,
		})
	}

	return map[string]any{
		"instances": instances,
		"total":     total,
		"has_more":  end < total,
	}, nil
}

type deleteInstanceParams struct {
	InstanceID     string `json:"instance_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) handleDeleteInstance(params json.RawMessage) (any, error) {
	p, err := decodeParams[deleteInstanceParams](params)
	if err != nil {
		return nil, err
	}
	if p.InstanceID == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing instance_id")
	}

	walOffset, err := h.engine.DeleteInstance(p.InstanceID, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	h.updateGauges()

	return map[string]any{
		"instance_id": p.InstanceID,
		"deleted":     true,
		"wal_offset":  walOffset,
	}, nil
}

type applyEventParams struct {
	InstanceID        string          `json:"instance_id"`
	Event             string          `json:"event"`
	Payload           json.RawMessage `json:"payload"`
	ExpectedState     *string         `json:"expected_state"`
	ExpectedWalOffset *uint64         `json:"expected_wal_offset"`
	EventID           string          `json:"event_id"`
	IdempotencyKey    string          `json:"idempotency_key"`
}

func (h *Handler) handleApplyEvent(params json.RawMessage) (any, error) {
	p, err := decodeParams[applyEventParams](params)
	if err != nil {
		return nil, err
	}
	if p.InstanceID == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing instance_id")
	}
	if p.Event == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing event")
	}

	// Instance metadata is needed for the notification.
	instance, err := h.engine.GetInstance(p.InstanceID)
	if err != nil {
		return nil, err
	}

	result, err := h.engine.ApplyEvent(p.InstanceID, p.Event, p.Payload,
		p.ExpectedState, p.ExpectedWalOffset, p.EventID, p.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if result.Applied && h.broadcaster != nil {
		h.broadcaster.Notify(InstanceEvent{
			InstanceID: p.InstanceID,
			Machine:    instance.Machine,
			Version:    instance.Version,
			WalOffset:  result.WalOffset,
			FromState:  result.FromState,
			ToState:    result.ToState,
			Event:      p.Event,
			Payload:    p.Payload,
			Ctx:        result.Ctx,
		})
	}
	h.updateGauges()

	return map[string]any{
		"from_state": result.FromState,
		"to_state":   result.ToState,
		"ctx":        result.Ctx,
		"wal_offset": result.WalOffset,
		"applied":    result.Applied,
		"event_id":   p.EventID,
	}, nil
}

// -------------------------------------------------------------------------
// Batch
// -------------------------------------------------------------------------

type batchParams struct {
	Mode string `json:"mode"`
	Ops  []struct {
		Op     protocol.Op     `json:"op"`
		Params json.RawMessage `json:"params"`
	} `json:"ops"`
}

// handleBatch runs up to MaxBatchOps sub-operations. In atomic mode the
// first failing sub-operation aborts the batch; effects already in the WAL
// are not rolled back.
func (h *Handler) handleBatch(session *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[batchParams](params)
	if err != nil {
		return nil, err
	}

	mode := p.Mode
	if mode == "" {
		mode = "best_effort"
	}
	if mode != "best_effort" && mode != "atomic" {
		return nil, common.NewErrorf(common.CodeBadRequest, "invalid batch mode: %s", mode)
	}
	if len(p.Ops) == 0 {
		return nil, common.NewError(common.CodeBadRequest, "missing ops array")
	}
	if len(p.Ops) > h.info.MaxBatchOps {
		return nil, common.NewErrorf(common.CodeBadRequest,
			"batch size %d exceeds limit %d", len(p.Ops), h.info.MaxBatchOps)
	}

	results := make([]map[string]any, 0, len(p.Ops))
	for _, op := range p.Ops {
		if !op.Op.Valid() {
			return nil, common.NewErrorf(common.CodeBadRequest, "unknown operation: %s", op.Op)
		}
		if op.Op == protocol.OpBatch {
			return nil, common.NewError(common.CodeBadRequest, "nested batches are not allowed")
		}

		response := h.Handle(session, protocol.NewRequest("batch", op.Op, op.Params))

		if mode == "atomic" && !response.IsOk() {
			return nil, common.NewErrorf(common.CodeBadRequest,
				"atomic batch failed on %s: %s", op.Op, response.Error.Message)
		}

		entry := map[string]any{"status": response.Status}
		if response.Result != nil {
			entry["result"] = response.Result
		}
		if response.Error != nil {
			entry["error"] = response.Error
		}
		results = append(results, entry)
	}

	return map[string]any{"results": results}, nil
}

// -------------------------------------------------------------------------
// Snapshots, WAL and compaction
// -------------------------------------------------------------------------

type snapshotInstanceParams struct {
	InstanceID string `json:"instance_id"`
}

func (h *Handler) handleSnapshotInstance(params json.RawMessage) (any, error) {
	p, err := decodeParams[snapshotInstanceParams](params)
	if err != nil {
		return nil, err
	}
	if p.InstanceID == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing instance_id")
	}

	instance, err := h.engine.GetInstance(p.InstanceID)
	if err != nil {
		return nil, err
	}

	snapshotID := "snap-" + uuid.NewString()
	if h.snapshots == nil {
		return map[string]any{
			"instance_id": p.InstanceID,
			"snapshot_id": snapshotID,
			"wal_offset":  instance.LastWalOffset,
		}, nil
	}

	meta, err := h.snapshots.CreateSnapshot(machine.SnapshotOf(instance, snapshotID))
	if err != nil {
		return nil, common.WrapError(common.CodeInternalError, "failed to create snapshot", err)
	}

	return map[string]any{
		"instance_id": p.InstanceID,
		"snapshot_id": meta.SnapshotID,
		"wal_offset":  meta.WalOffset,
		"size_bytes":  meta.SizeBytes,
		"checksum":    meta.Checksum,
	}, nil
}

type compactParams struct {
	ForceSnapshot bool `json:"force_snapshot"`
}

func (h *Handler) handleCompact(params json.RawMessage) (any, error) {
	p, err := decodeParams[compactParams](params)
	if err != nil {
		return nil, err
	}
	if h.snapshots == nil {
		return nil, common.NewError(common.CodeBadRequest, "snapshot store not configured")
	}

	result, err := CompactOnce(h.engine, h.snapshots, p.ForceSnapshot)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"snapshots_created": result.SnapshotsCreated,
		"segments_deleted":  result.SegmentsDeleted,
		"total_snapshots":   h.snapshots.SnapshotCount(),
		"wal_segments":      len(h.engine.WAL().SegmentIDs()),
	}, nil
}

type walReadParams struct {
	FromOffset uint64 `json:"from_offset"`
	Limit      int    `json:"limit"`
}

func (h *Handler) handleWalRead(params json.RawMessage) (any, error) {
	p, err := decodeParams[walReadParams](params)
	if err != nil {
		return nil, err
	}

	entries, err := h.engine.WAL().ReadFrom(wal.Offset(p.FromOffset), p.Limit)
	if err != nil {
		return nil, common.WrapError(common.CodeWalIoError, "wal read failed", err)
	}

	records := make([]map[string]any, 0, len(entries))
	for _, item := range entries {
		records = append(records, map[string]any{
			"sequence": item.Sequence,
			"offset":   item.Offset.Uint64(),
			"entry":    item.Entry,
		})
	}

	result := map[string]any{"records": records}
	if len(entries) > 0 {
		result["next_offset"] = entries[len(entries)-1].Offset.Uint64() + 1
	}
	return result, nil
}

func (h *Handler) handleWalStats() (any, error) {
	walLog := h.engine.WAL()
	stats := walLog.Stats()

	result := map[string]any{
		"entry_count":      walLog.NextSequence() - 1,
		"segment_count":    len(walLog.SegmentIDs()),
		"total_size_bytes": walLog.TotalSize(),
		"io_stats": map[string]uint64{
			"bytes_written": stats.BytesWritten,
			"bytes_read":    stats.BytesRead,
			"writes":        stats.Writes,
			"reads":         stats.Reads,
			"fsyncs":        stats.Fsyncs,
		},
	}
	if latest, ok := walLog.LatestOffset(); ok {
		result["latest_offset"] = latest.Uint64()
	}
	return result, nil
}

// -------------------------------------------------------------------------
// Watch operations
// -------------------------------------------------------------------------

type watchInstanceParams struct {
	InstanceID string `json:"instance_id"`
	IncludeCtx bool   `json:"include_ctx"`
}

// HandleWatchInstance registers a per-instance subscription and returns the
// result body plus the subscription for the caller's forwarder.
func (h *Handler) HandleWatchInstance(session *Session, params json.RawMessage) (any, *Subscription, error) {
	p, err := decodeParams[watchInstanceParams](params)
	if err != nil {
		return nil, nil, err
	}
	if p.InstanceID == "" {
		return nil, nil, common.NewError(common.CodeBadRequest, "missing instance_id")
	}
	if h.broadcaster == nil {
		return nil, nil, common.NewError(common.CodeBadRequest, "streaming not enabled on this server")
	}

	instance, err := h.engine.GetInstance(p.InstanceID)
	if err != nil {
		return nil, nil, err
	}

	sub := h.broadcaster.SubscribeInstance(p.InstanceID, p.IncludeCtx)
	session.AddInstanceSubscription(sub.ID, p.InstanceID)

	if h.metrics != nil {
		h.metrics.SubscriptionsActive.WithLabelValues("instance").Inc()
	}

	result := map[string]any{
		"subscription_id":    sub.ID,
		"instance_id":        p.InstanceID,
		"current_state":      instance.State,
		"current_wal_offset": instance.LastWalOffset,
	}
	return result, sub, nil
}

type watchAllParams struct {
	Machines   []string `json:"machines"`
	FromStates []string `json:"from_states"`
	ToStates   []string `json:"to_states"`
	Events     []string `json:"events"`
	IncludeCtx bool     `json:"include_ctx"`
}

// HandleWatchAll registers a global subscription and returns the result body
// plus the subscription for the caller's forwarder.
func (h *Handler) HandleWatchAll(session *Session, params json.RawMessage) (any, *Subscription, error) {
	p, err := decodeParams[watchAllParams](params)
	if err != nil {
		return nil, nil, err
	}
	if h.broadcaster == nil {
		return nil, nil, common.NewError(common.CodeBadRequest, "streaming not enabled on this server")
	}

	filter := EventFilter{
		Machines:   p.Machines,
		FromStates: p.FromStates,
		ToStates:   p.ToStates,
		Events:     p.Events,
	}
	sub := h.broadcaster.SubscribeAll(filter, p.IncludeCtx)
	session.AddAllSubscription(sub.ID)

	if h.metrics != nil {
		h.metrics.SubscriptionsActive.WithLabelValues("all").Inc()
	}

	var headOffset uint64
	if latest, ok := h.engine.WAL().LatestOffset(); ok {
		headOffset = latest.Uint64()
	}

	result := map[string]any{
		"subscription_id": sub.ID,
		"wal_offset":      headOffset,
	}
	return result, sub, nil
}

type unwatchParams struct {
	SubscriptionID string `json:"subscription_id"`
}

func (h *Handler) handleUnwatch(session *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[unwatchParams](params)
	if err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, common.NewError(common.CodeBadRequest, "missing subscription_id")
	}

	removed, wasInstance := session.RemoveSubscription(p.SubscriptionID)
	if removed && h.metrics != nil {
		kind := "all"
		if wasInstance {
			kind = "instance"
		}
		h.metrics.SubscriptionsActive.WithLabelValues(kind).Dec()
	}

	if h.broadcaster != nil {
		h.broadcaster.Unsubscribe(p.SubscriptionID)
	}

	return map[string]any{
		"subscription_id": p.SubscriptionID,
		"removed":         removed,
	}, nil
}

// CleanupSession tears down a disconnecting session's subscriptions.
func (h *Handler) CleanupSession(session *Session) {
	for _, subID := range session.SubscriptionIDs() {
		removed, wasInstance := session.RemoveSubscription(subID)
		if removed && h.metrics != nil {
			kind := "all"
			if wasInstance {
				kind = "instance"
			}
			h.metrics.SubscriptionsActive.WithLabelValues(kind).Dec()
		}
		if h.broadcaster != nil {
			h.broadcaster.Unsubscribe(subID)
		}
	}
}

// updateGauges refreshes the state gauges after mutations.
func (h *Handler) updateGauges() {
	if h.metrics == nil {
		return
	}

	h.metrics.Instances.Set(float64(h.engine.InstanceCount()))

	machineCount := 0
	for _, versions := range h.engine.ListMachines() {
		machineCount += len(versions)
	}
	h.metrics.Machines.Set(float64(machineCount))

	walLog := h.engine.WAL()
	h.metrics.WalEntries.Set(float64(walLog.NextSequence() - 1))
	h.metrics.WalSegments.Set(float64(len(walLog.SegmentIDs())))
	h.metrics.WalSizeBytes.Set(float64(walLog.TotalSize()))
	h.metrics.UpdateWalStats(walLog.Stats())
}

// StreamEventFor builds the wire event for a subscription, applying context
// stripping when include_ctx is false.
func StreamEventFor(sub *Subscription, event *InstanceEvent) *protocol.StreamEvent {
	streamEvent := &protocol.StreamEvent{
		Type:           protocol.TypeEvent,
		SubscriptionID: sub.ID,
		InstanceID:     event.InstanceID,
		Machine:        event.Machine,
		Version:        event.Version,
		WalOffset:      event.WalOffset,
		FromState:      event.FromState,
		ToState:        event.ToState,
		Event:          event.Event,
		Payload:        event.Payload,
	}
	if sub.IncludeCtx {
		streamEvent.Ctx = event.Ctx
	}
	return streamEvent
}

package protocol

import (
	"encoding/json"
	"time"

	"github.com/rstmdb/rstmdb/internal/common"
)

// Op is a member of the closed operation enumeration.
type Op string

const (
	// Session management
	OpHello Op = "HELLO"
	OpAuth  Op = "AUTH"
	OpPing  Op = "PING"
	OpBye   Op = "BYE"

	// Server info
	OpInfo Op = "INFO"

	// Machine definition management
	OpPutMachine   Op = "PUT_MACHINE"
	OpGetMachine   Op = "GET_MACHINE"
	OpListMachines Op = "LIST_MACHINES"

	// Instance lifecycle
	OpCreateInstance Op = "CREATE_INSTANCE"
	OpGetInstance    Op = "GET_INSTANCE"
	OpListInstances  Op = "LIST_INSTANCES"
	OpDeleteInstance Op = "DELETE_INSTANCE"

	// Events
	OpApplyEvent Op = "APPLY_EVENT"
	OpBatch      Op = "BATCH"

	// Snapshots and WAL
	OpSnapshotInstance Op = "SNAPSHOT_INSTANCE"
	OpWalRead          Op = "WAL_READ"
	OpWalStats         Op = "WAL_STATS"
	OpCompact          Op = "COMPACT"

	// Subscriptions
	OpWatchInstance Op = "WATCH_INSTANCE"
	OpWatchAll      Op = "WATCH_ALL"
	OpUnwatch       Op = "UNWATCH"
)

// Valid reports whether op is a member of the enumeration.
func (op Op) Valid() bool {
	switch op {
	case OpHello, OpAuth, OpPing, OpBye, OpInfo,
		OpPutMachine, OpGetMachine, OpListMachines,
		OpCreateInstance, OpGetInstance, OpListInstances, OpDeleteInstance,
		OpApplyEvent, OpBatch,
		OpSnapshotInstance, OpWalRead, OpWalStats, OpCompact,
		OpWatchInstance, OpWatchAll, OpUnwatch:
		return true
	}
	return false
}

// Message type discriminators.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Request is the request message envelope.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id string, op Op, params json.RawMessage) *Request {
	return &Request{Type: TypeRequest, ID: id, Op: op, Params: params}
}

// Status values for responses.
const (
	StatusOk    = "ok"
	StatusError = "error"
)

// ResponseError carries the error details of a failed request.
type ResponseError struct {
	Code      common.Code                `json:"code"`
	Message   string                     `json:"message"`
	Retryable bool                       `json:"retryable"`
	Details   map[string]json.RawMessage `json:"details,omitempty"`
}

// NewResponseError builds an error body; retryability is fixed per code.
func NewResponseError(code common.Code, message string) *ResponseError {
	return &ResponseError{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}
}

// ResponseMeta carries optional response metadata.
type ResponseMeta struct {
	ServerTime *time.Time `json:"server_time,omitempty"`
	WalOffset  *uint64    `json:"wal_offset,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
}

// Response is the response message envelope.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
	Meta   *ResponseMeta   `json:"meta,omitempty"`
}

// OkResponse builds a success response; result is marshalled to JSON.
func OkResponse(id string, result any) *Response {
	payload, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, common.CodeInternalError, err.Error())
	}
	return &Response{Type: TypeResponse, ID: id, Status: StatusOk, Result: payload}
}

// ErrorResponse builds an error response.
func ErrorResponse(id string, code common.Code, message string) *Response {
	return &Response{
		Type:   TypeResponse,
		ID:     id,
		Status: StatusError,
		Error:  NewResponseError(code, message),
	}
}

// IsOk reports whether the response succeeded.
func (r *Response) IsOk() bool { return r.Status == StatusOk }

// StreamEvent is pushed to watch subscribers as state transitions occur.
type StreamEvent struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	InstanceID     string          `json:"instance_id"`
	Machine        string          `json:"machine"`
	Version        uint32          `json:"version"`
	WalOffset      uint64          `json:"wal_offset"`
	FromState      string          `json:"from_state"`
	ToState        string          `json:"to_state"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Ctx            json.RawMessage `json:"ctx,omitempty"`
}

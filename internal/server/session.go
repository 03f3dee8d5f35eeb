package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rstmdb/rstmdb/internal/protocol"
)

// SessionState is the session lifecycle state.
type SessionState int32

const (
	// SessionConnected is the initial state, waiting for HELLO.
	SessionConnected SessionState = iota
	// SessionReady means the handshake completed but auth is still pending.
	SessionReady
	// SessionAuthenticated means the session may issue any operation.
	SessionAuthenticated
	// SessionClosing means BYE was received or a terminal error occurred.
	SessionClosing
)

// subscriptionKind distinguishes session subscription types for teardown and
// metrics.
type subscriptionKind int

const (
	subscriptionInstance subscriptionKind = iota
	subscriptionAll
)

type sessionSubscription struct {
	kind       subscriptionKind
	instanceID string
}

// Session tracks one client connection's negotiated state.
type Session struct {
	// ID is the random session id.
	ID string
	// RemoteAddr is the client address.
	RemoteAddr string

	state         atomic.Int32
	wireMode      protocol.WireMode
	protoVersion  uint16
	clientName    string
	features      map[string]struct{}
	authRequired  bool
	authenticated atomic.Bool
	requestCount  atomic.Uint64
	createdAt     time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	subscriptions map[string]sessionSubscription
}

// NewSession creates a session in the Connected state. When auth is not
// required the session counts as authenticated from the start.
func NewSession(remoteAddr string, authRequired bool) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		RemoteAddr:    remoteAddr,
		wireMode:      protocol.WireModeBinaryJSON,
		features:      make(map[string]struct{}),
		authRequired:  authRequired,
		createdAt:     time.Now(),
		lastActivity:  time.Now(),
		subscriptions: make(map[string]sessionSubscription),
	}
	s.authenticated.Store(!authRequired)
	return s
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// SetState moves the session to a new lifecycle state.
func (s *Session) SetState(state SessionState) {
	s.state.Store(int32(state))
}

// WireMode returns the negotiated wire mode.
func (s *Session) WireMode() protocol.WireMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireMode
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() uint16 { return s.protoVersion }

// ClientName returns the name the client sent at HELLO.
func (s *Session) ClientName() string { return s.clientName }

// IsAuthenticated reports whether the session may issue gated operations.
func (s *Session) IsAuthenticated() bool {
	return s.authenticated.Load()
}

// SetAuthenticated flips the authenticated flag.
func (s *Session) SetAuthenticated(v bool) {
	s.authenticated.Store(v)
}

// CompleteHandshake records the HELLO negotiation outcome.
func (s *Session) CompleteHandshake(version uint16, mode protocol.WireMode, clientName string, features []string) {
	s.mu.Lock()
	s.protoVersion = version
	s.wireMode = mode
	s.clientName = clientName
	s.features = make(map[string]struct{}, len(features))
	for _, f := range features {
		s.features[f] = struct{}{}
	}
	s.mu.Unlock()

	if s.authRequired && !s.IsAuthenticated() {
		s.SetState(SessionReady)
	} else {
		s.SetState(SessionAuthenticated)
	}
}

// HasFeature reports whether a feature was negotiated.
func (s *Session) HasFeature(feature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.features[feature]
	return ok
}

// RecordRequest bumps the request counter and last-activity time.
func (s *Session) RecordRequest() {
	s.requestCount.Add(1)
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RequestCount returns the number of requests handled.
func (s *Session) RequestCount() uint64 {
	return s.requestCount.Load()
}

// IdleDuration returns the time since the last request.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Age returns the session lifetime.
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// AddInstanceSubscription records a per-instance subscription.
func (s *Session) AddInstanceSubscription(subscriptionID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionID] = sessionSubscription{
		kind:       subscriptionInstance,
		instanceID: instanceID,
	}
}

// AddAllSubscription records a global subscription.
func (s *Session) AddAllSubscription(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionID] = sessionSubscription{kind: subscriptionAll}
}

// RemoveSubscription removes a subscription record. The second return
// reports whether it was a per-instance subscription.
func (s *Session) RemoveSubscription(subscriptionID string) (removed, wasInstance bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return false, false
	}
	delete(s.subscriptions, subscriptionID)
	return true, sub.kind == subscriptionInstance
}

// SubscriptionIDs returns the ids of all active subscriptions.
func (s *Session) SubscriptionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// SubscriptionCount returns the number of active subscriptions.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

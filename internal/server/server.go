package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rstmdb/rstmdb/internal/common"
	"github.com/rstmdb/rstmdb/internal/protocol"
)

// Config holds the server's network settings.
type Config struct {
	BindAddr       string
	IdleTimeout    time.Duration
	MaxConnections int
	TLS            *tls.Config
}

// Server accepts connections and runs one dispatcher per connection.
type Server struct {
	config  Config
	handler *Handler
	logger  *slog.Logger

	listener    net.Listener
	listenerMu  sync.Mutex
	shutdownCh  chan struct{}
	shutdownOne sync.Once
	wg          sync.WaitGroup

	activeConns atomic.Int64
	totalConns  atomic.Uint64
}

// New builds a server.
func New(config Config, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 1000
	}
	return &Server{
		config:     config,
		handler:    handler,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Addr returns the bound listener address (useful when binding port 0).
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int64 {
	return s.activeConns.Load()
}

// Listen binds the TCP listener (wrapping in TLS when configured) without
// accepting yet. Serve may then be called from a goroutine.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.BindAddr, err)
	}
	if s.config.TLS != nil {
		listener = tls.NewListener(listener, s.config.TLS)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.logger.Info("server listening", "addr", listener.Addr().String(), "tls", s.config.TLS != nil)
	return nil
}

// Serve runs the accept loop until Shutdown is called. Listen must have been
// called first.
func (s *Server) Serve() error {
	s.listenerMu.Lock()
	listener := s.listener
	s.listenerMu.Unlock()
	if listener == nil {
		return fmt.Errorf("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.activeConns.Load() >= int64(s.config.MaxConnections) {
			s.logger.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr().String(),
				"max_connections", s.config.MaxConnections)
			conn.Close()
			continue
		}

		s.totalConns.Add(1)
		s.activeConns.Add(1)
		if s.handler.metrics != nil {
			s.handler.metrics.ConnectionsTotal.Inc()
			s.handler.metrics.ConnectionsActive.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.activeConns.Add(-1)
				if s.handler.metrics != nil {
					s.handler.metrics.ConnectionsActive.Dec()
				}
			}()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting, signals all connection tasks to flush and exit,
// and waits for them. In-flight WAL appends complete before their handlers
// return, so no durability gap is introduced.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOne.Do(func() {
		close(s.shutdownCh)
		s.listenerMu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.listenerMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outboundMessage is either a pre-built response or a stream event for a
// subscription.
type outboundMessage struct {
	response *protocol.Response
	event    *protocol.StreamEvent
}

// handleConnection runs the per-connection dispatcher: a read loop decoding
// requests and a single writer goroutine serialising outbound frames, so
// responses and stream events never interleave mid-frame.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	session := NewSession(conn.RemoteAddr().String(), s.handler.authRequired)
	// Reads and writes use separate codecs so each side's wire mode is owned
	// by a single goroutine.
	readCodec := protocol.NewCodec(conn, io.Discard)
	writeCodec := protocol.NewCodec(bytes.NewReader(nil), conn)
	logger := s.logger.With("session_id", session.ID, "remote", session.RemoteAddr)
	logger.Debug("connection accepted")

	outbound := make(chan outboundMessage, 256)
	writerDone := make(chan struct{})

	// Writer goroutine: sole owner of the outbound half.
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			var err error
			if msg.response != nil {
				err = writeCodec.WriteMessage(msg.response)
			} else {
				err = writeCodec.WriteMessage(msg.event)
			}
			if err != nil {
				logger.Debug("write failed, dropping connection", "error", err)
				conn.Close()
				return
			}
			// The response to HELLO travels in the pre-negotiation mode;
			// everything after switches to the negotiated one.
			if msg.response != nil && session.State() != SessionConnected {
				writeCodec.SetMode(session.WireMode())
			}
		}
	}()

	defer func() {
		s.handler.CleanupSession(session)
		close(outbound)
		<-writerDone
		logger.Debug("connection closed",
			"requests", session.RequestCount(),
			"age", session.Age().String())
	}()

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		raw, err := readCodec.ReadMessage()
		if err != nil {
			switch {
			case err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Info("closing idle session", "idle", session.IdleDuration().String())
			default:
				// Framing errors leave the stream unsynchronized; report
				// once and drop the connection.
				s.writeProtocolError(outbound, err)
				logger.Warn("protocol error, closing connection", "error", err)
			}
			return
		}

		request, perr := parseRequest(raw)
		if perr != nil {
			if !send(outbound, writerDone, outboundMessage{response: perr}) {
				return
			}
			continue
		}

		if request.Op == protocol.OpWatchInstance || request.Op == protocol.OpWatchAll {
			s.handleWatch(session, request, outbound, writerDone, logger)
			continue
		}

		response := s.handler.Handle(session, request)
		if !send(outbound, writerDone, outboundMessage{response: response}) {
			return
		}

		// After a successful HELLO the client's next message arrives in the
		// negotiated mode.
		if request.Op == protocol.OpHello && response.IsOk() {
			readCodec.SetMode(session.WireMode())
		}

		if session.State() == SessionClosing {
			return
		}
	}
}

// parseRequest validates the request envelope shape.
func parseRequest(raw json.RawMessage) (*protocol.Request, *protocol.Response) {
	messageType, err := protocol.ParseMessageType(raw)
	if err != nil {
		return nil, protocol.ErrorResponse("", common.CodeBadRequest, err.Error())
	}
	if messageType != protocol.TypeRequest {
		return nil, protocol.ErrorResponse("", common.CodeBadRequest,
			fmt.Sprintf("unexpected message type: %q", messageType))
	}

	var request protocol.Request
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, protocol.ErrorResponse("", common.CodeBadRequest, "malformed request")
	}
	if request.ID == "" {
		return nil, protocol.ErrorResponse("", common.CodeBadRequest, "missing request id")
	}
	if !request.Op.Valid() {
		return nil, protocol.ErrorResponse(request.ID, common.CodeBadRequest,
			fmt.Sprintf("unknown operation: %q", string(request.Op)))
	}
	return &request, nil
}

func (s *Server) writeProtocolError(outbound chan<- outboundMessage, err error) {
	code := common.CodeBadRequest
	var versionErr *protocol.UnsupportedVersionError
	if errors.As(err, &versionErr) {
		code = common.CodeUnsupportedProtocol
	}
	select {
	case outbound <- outboundMessage{response: protocol.ErrorResponse("", code, err.Error())}:
	default:
	}
}

// send queues a message for the writer, giving up when the writer has died.
func send(outbound chan<- outboundMessage, writerDone <-chan struct{}, msg outboundMessage) bool {
	select {
	case outbound <- msg:
		return true
	case <-writerDone:
		return false
	}
}

// handleWatch registers the subscription, replies, and spawns the forwarder
// task that pushes stream events onto the session's writer.
func (s *Server) handleWatch(session *Session, request *protocol.Request, outbound chan outboundMessage, writerDone <-chan struct{}, logger *slog.Logger) {
	session.RecordRequest()

	if s.handler.requiresAuth(request.Op) && !session.IsAuthenticated() {
		send(outbound, writerDone, outboundMessage{response: protocol.ErrorResponse(
			request.ID, common.CodeUnauthorized, "authentication required")})
		return
	}

	var result any
	var sub *Subscription
	var err error
	if request.Op == protocol.OpWatchInstance {
		result, sub, err = s.handler.HandleWatchInstance(session, request.Params)
	} else {
		result, sub, err = s.handler.HandleWatchAll(session, request.Params)
	}
	if err != nil {
		send(outbound, writerDone, outboundMessage{response: protocol.ErrorResponse(
			request.ID, common.CodeOf(err), common.MessageOf(err))})
		return
	}

	if !send(outbound, writerDone, outboundMessage{response: protocol.OkResponse(request.ID, result)}) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runForwarder(sub, outbound, writerDone, logger)
	}()
}

// runForwarder reads the subscription channel and forwards matching events to
// the session writer. It exits when the subscription is closed (UNWATCH or
// session teardown) or the writer goes away.
func (s *Server) runForwarder(sub *Subscription, outbound chan<- outboundMessage, writerDone <-chan struct{}, logger *slog.Logger) {
	kind := "instance"
	if sub.All {
		kind = "all"
	}

	for event := range sub.C {
		if sub.All && !sub.Filter.Matches(&event) {
			continue
		}

		streamEvent := StreamEventFor(sub, &event)
		delivered := func() (ok bool) {
			defer func() {
				// The outbound channel closes when the connection tears
				// down; a racing send here is benign.
				if recover() != nil {
					logger.Debug("forwarder send after close", "subscription_id", sub.ID)
					ok = false
				}
			}()
			select {
			case outbound <- outboundMessage{event: streamEvent}:
				return true
			case <-writerDone:
				return false
			case <-s.shutdownCh:
				return false
			}
		}()
		if delivered && s.handler.metrics != nil {
			s.handler.metrics.EventsForwarded.WithLabelValues(kind).Inc()
		}
	}
}

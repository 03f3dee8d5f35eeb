// Package client implements a small RCP protocol client used by the CLI and
// the end-to-end tests.
package client

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rstmdb/rstmdb/internal/protocol"
)

// Options configure a connection.
type Options struct {
	// Addr is the server host:port.
	Addr string
	// Token is an optional bearer token sent via AUTH after HELLO.
	Token string
	// TLS enables TLS with the given configuration.
	TLS *tls.Config
	// WireMode requests a wire mode at HELLO (default binary_json).
	WireMode protocol.WireMode
	// ClientName is reported at HELLO.
	ClientName string
	// DialTimeout bounds the TCP dial.
	DialTimeout time.Duration
	// RequestTimeout bounds each request/response round trip (0 = none).
	RequestTimeout time.Duration
}

// Client is a connected session. Requests are correlated by id; stream
// events are delivered on Events.
type Client struct {
	conn  net.Conn
	codec *protocol.Codec

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	events chan protocol.StreamEvent

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error

	requestTimeout time.Duration

	// ServerName and Features are filled from the HELLO result.
	ServerName string
	Features   []string
}

type helloResult struct {
	ProtocolVersion uint16   `json:"protocol_version"`
	WireMode        string   `json:"wire_mode"`
	ServerName      string   `json:"server_name"`
	ServerVersion   string   `json:"server_version"`
	Features        []string `json:"features"`
}

// Connect dials the server and completes the HELLO (and AUTH) handshake.
func Connect(opts Options) (*Client, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	if opts.TLS != nil {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", opts.Addr, opts.TLS)
	} else {
		conn, err = net.DialTimeout("tcp", opts.Addr, dialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Addr, err)
	}

	c := &Client{
		conn:           conn,
		codec:          protocol.NewCodec(conn, conn),
		pending:        make(map[string]chan *protocol.Response),
		events:         make(chan protocol.StreamEvent, 256),
		closed:         make(chan struct{}),
		requestTimeout: opts.RequestTimeout,
	}

	wireMode := opts.WireMode
	if wireMode == "" {
		wireMode = protocol.WireModeBinaryJSON
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "rstmdb-go-client"
	}

	// Handshake runs synchronously before the reader loop starts.
	helloParams, _ := json.Marshal(map[string]any{
		"protocol_version": protocol.ProtocolVersion,
		"wire_modes":       []string{string(wireMode)},
		"client_name":      clientName,
		"features":         []string{"idempotency", "batch", "wal_read"},
	})
	response, err := c.roundTrip(protocol.NewRequest(c.requestID(), protocol.OpHello, helloParams))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !response.IsOk() {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", response.Error.Message)
	}

	var hello helloResult
	if err := json.Unmarshal(response.Result, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed HELLO result: %w", err)
	}
	c.ServerName = hello.ServerName
	c.Features = hello.Features
	c.codec.SetMode(protocol.WireMode(hello.WireMode))

	if opts.Token != "" {
		authParams, _ := json.Marshal(map[string]string{
			"method": "bearer",
			"token":  opts.Token,
		})
		response, err := c.roundTrip(protocol.NewRequest(c.requestID(), protocol.OpAuth, authParams))
		if err != nil {
			conn.Close()
			return nil, err
		}
		if !response.IsOk() {
			conn.Close()
			return nil, fmt.Errorf("authentication failed: %s", response.Error.Message)
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) requestID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// roundTrip performs one synchronous request before the reader loop runs.
func (c *Client) roundTrip(request *protocol.Request) (*protocol.Response, error) {
	if err := c.codec.WriteMessage(request); err != nil {
		return nil, err
	}
	for {
		raw, err := c.codec.ReadMessage()
		if err != nil {
			return nil, err
		}
		messageType, err := protocol.ParseMessageType(raw)
		if err != nil {
			return nil, err
		}
		if messageType != protocol.TypeResponse {
			continue
		}
		var response protocol.Response
		if err := json.Unmarshal(raw, &response); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		return &response, nil
	}
}

// readLoop demultiplexes responses to their waiters and events to Events.
func (c *Client) readLoop() {
	for {
		raw, err := c.codec.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}

		messageType, err := protocol.ParseMessageType(raw)
		if err != nil {
			c.failAll(err)
			return
		}

		switch messageType {
		case protocol.TypeResponse:
			var response protocol.Response
			if err := json.Unmarshal(raw, &response); err != nil {
				continue
			}
			c.pendingMu.Lock()
			waiter := c.pending[response.ID]
			delete(c.pending, response.ID)
			c.pendingMu.Unlock()
			if waiter != nil {
				waiter <- &response
			}

		case protocol.TypeEvent:
			var event protocol.StreamEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				continue
			}
			select {
			case c.events <- event:
			default:
				// Slow consumer; drop rather than stall the reader.
			}
		}
	}
}

func (c *Client) failAll(err error) {
	c.pendingMu.Lock()
	c.readErr = err
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.events)
	})
}

// Call sends a request and waits for its response.
func (c *Client) Call(op protocol.Op, params any) (*protocol.Response, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		rawParams = data
	}

	id := c.requestID()
	waiter := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.codec.WriteMessage(protocol.NewRequest(id, op, rawParams))
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	var timeout <-chan time.Time
	if c.requestTimeout > 0 {
		timer := time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case response, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("connection closed: %v", c.readErr)
		}
		return response, nil
	case <-timeout:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("request %s timed out", op)
	}
}

// Events returns the stream of watch events. The channel closes when the
// connection does.
func (c *Client) Events() <-chan protocol.StreamEvent {
	return c.events
}

// Close sends BYE best-effort and closes the connection. The reader loop
// observes the closed socket and finishes the teardown.
func (c *Client) Close() error {
	_, _ = c.Call(protocol.OpBye, nil)
	return c.conn.Close()
}

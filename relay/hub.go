// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/lib/pending"
	"github.com/bureau-foundation/cdprelay/session"
	"github.com/bureau-foundation/cdprelay/transport"
)

// Role identifies which side of the relay a connection serves.
type Role string

const (
	RoleUpstream   Role = "upstream"
	RoleDownstream Role = "downstream"
)

// ParseRole parses "upstream" or "downstream".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUpstream, RoleDownstream:
		return Role(s), nil
	}
	return "", errors.New("role must be upstream or downstream")
}

// slotState is the tag of a role slot.
type slotState int

const (
	slotNone slotState = iota
	slotConnecting
	slotActive
)

func (s slotState) String() string {
	switch s {
	case slotConnecting:
		return "connecting"
	case slotActive:
		return "active"
	default:
		return "none"
	}
}

// upstreamSlot is the tab-side role slot. conn is nil exactly when
// state is slotNone.
type upstreamSlot struct {
	state       slotState
	conn        *transport.Conn
	timer       *clock.Timer
	connectedAt time.Time

	// Set by the handshake.
	adapterVersion string
	rootSessionID  string
	targetInfo     json.RawMessage
}

type downstreamSlot struct {
	state       slotState
	conn        *transport.Conn
	connectedAt time.Time
}

// Config configures a Hub.
type Config struct {
	// HandshakeTimeout is the grace period for a new upstream to send
	// connection_info. Default 5s.
	HandshakeTimeout time.Duration

	// BrowserProduct is reported by Browser.getVersion and
	// /json/version. Default "CDPRelay/1.0".
	BrowserProduct string

	// DownstreamPath is the consumer WebSocket path, used to build the
	// webSocketDebuggerUrl in /json/version. Default "/cdp".
	DownstreamPath string

	// UpstreamPath is the tab WebSocket path. Default "/extension".
	UpstreamPath string

	// Transport configures every accepted connection.
	Transport transport.Options

	// Clock drives the handshake timer and timestamps. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Events receives observability records. Nil discards them.
	Events *eventlog.Emitter
}

// Hub is the relay's routing core. Create it with New and start the
// routing loop with Run before handing it connections.
type Hub struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	events *eventlog.Emitter

	inbox chan loopEvent
	done  chan struct{}

	// Owned by the routing loop.
	upstream   upstreamSlot
	downstream downstreamSlot
	registry   *session.Registry
	pending    *pending.Table[*envelope.Envelope]
	counters   Counters
}

// New creates a Hub.
func New(config Config) *Hub {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.BrowserProduct == "" {
		config.BrowserProduct = "CDPRelay/1.0"
	}
	if config.DownstreamPath == "" {
		config.DownstreamPath = "/cdp"
	}
	if config.UpstreamPath == "" {
		config.UpstreamPath = "/extension"
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Transport.Logger == nil {
		config.Transport.Logger = logger
	}
	if config.Transport.Clock == nil {
		config.Transport.Clock = clk
	}

	return &Hub{
		config:   config,
		clock:    clk,
		logger:   logger,
		events:   config.Events,
		inbox:    make(chan loopEvent, 256),
		done:     make(chan struct{}),
		registry: session.NewRegistry(),
		pending:  pending.New[*envelope.Envelope](clk, logger),
	}
}

// loopEvent is anything the routing loop consumes.
type loopEvent interface{ isLoopEvent() }

type upstreamOpened struct{ conn *transport.Conn }
type upstreamFrame struct {
	conn *transport.Conn
	data []byte
}
type upstreamClosed struct {
	conn *transport.Conn
	info transport.CloseInfo
}
type handshakeExpired struct{ conn *transport.Conn }
type downstreamOpened struct{ conn *transport.Conn }
type downstreamFrame struct {
	conn *transport.Conn
	data []byte
}
type downstreamClosed struct {
	conn *transport.Conn
	info transport.CloseInfo
}
type statusRequest struct{ reply chan Status }
type disconnectRequest struct {
	role  Role
	reply chan bool
}

func (upstreamOpened) isLoopEvent()    {}
func (upstreamFrame) isLoopEvent()     {}
func (upstreamClosed) isLoopEvent()    {}
func (handshakeExpired) isLoopEvent()  {}
func (downstreamOpened) isLoopEvent()  {}
func (downstreamFrame) isLoopEvent()   {}
func (downstreamClosed) isLoopEvent()  {}
func (statusRequest) isLoopEvent()     {}
func (disconnectRequest) isLoopEvent() {}

// post hands an event to the routing loop. It blocks while the inbox is
// full, which throttles readers rather than the loop, and gives up once
// the hub has stopped.
func (h *Hub) post(event loopEvent) bool {
	select {
	case h.inbox <- event:
		return true
	case <-h.done:
		return false
	}
}

// Run runs the routing loop until ctx is cancelled. On return both
// connections have been closed with "going away" and every pending
// command has been failed.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.logger.Info("relay hub started",
		"handshake_timeout", h.config.HandshakeTimeout,
		"upstream_path", h.config.UpstreamPath,
		"downstream_path", h.config.DownstreamPath,
	)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case event := <-h.inbox:
			h.handle(event)
		}
	}
}

func (h *Hub) handle(event loopEvent) {
	switch event := event.(type) {
	case upstreamOpened:
		h.openUpstream(event.conn)
	case upstreamFrame:
		h.handleUpstreamFrame(event.conn, event.data)
	case upstreamClosed:
		h.closeUpstream(event.conn, event.info)
	case handshakeExpired:
		h.expireHandshake(event.conn)
	case downstreamOpened:
		h.openDownstream(event.conn)
	case downstreamFrame:
		h.handleDownstreamFrame(event.conn, event.data)
	case downstreamClosed:
		h.closeDownstream(event.conn, event.info)
	case statusRequest:
		event.reply <- h.snapshot()
	case disconnectRequest:
		event.reply <- h.forceDisconnect(event.role)
	}
}

func (h *Hub) shutdown() {
	if h.upstream.conn != nil {
		h.upstream.conn.Close(1001, "relay shutting down")
		h.dropUpstream("relay shutting down")
	}
	if h.downstream.conn != nil {
		h.downstream.conn.Close(1001, "relay shutting down")
		h.downstream = downstreamSlot{}
	}
	h.logger.Info("relay hub stopped")
}

// ServeUpstream runs a tab connection until it closes. The HTTP
// handler calls it on the upgraded connection's goroutine.
func (h *Hub) ServeUpstream(conn *transport.Conn) {
	if !h.post(upstreamOpened{conn: conn}) {
		conn.Close(1001, "relay shutting down")
		return
	}
	info := conn.ReadLoop(func(data []byte) {
		h.post(upstreamFrame{conn: conn, data: data})
	})
	h.post(upstreamClosed{conn: conn, info: info})
}

// ServeDownstream runs a consumer connection until it closes.
func (h *Hub) ServeDownstream(conn *transport.Conn) {
	if !h.post(downstreamOpened{conn: conn}) {
		conn.Close(1001, "relay shutting down")
		return
	}
	info := conn.ReadLoop(func(data []byte) {
		h.post(downstreamFrame{conn: conn, data: data})
	})
	h.post(downstreamClosed{conn: conn, info: info})
}

// Status returns a snapshot of the hub's routing state.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := h.request(ctx, statusRequest{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case status := <-reply:
		return status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Disconnect forcibly closes the connection in the given role slot
// with close code 1013 (try again later), so an upstream adapter treats
// it as an abnormal loss and reconnects. It reports whether a
// connection was closed.
func (h *Hub) Disconnect(ctx context.Context, role Role) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.request(ctx, disconnectRequest{role: role, reply: reply}); err != nil {
		return false, err
	}
	select {
	case closed := <-reply:
		return closed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

var errHubStopped = errors.New("relay hub is not running")

func (h *Hub) request(ctx context.Context, event loopEvent) error {
	select {
	case h.inbox <- event:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) forceDisconnect(role Role) bool {
	const code, reason = 1013, "disconnected by operator"
	switch role {
	case RoleUpstream:
		if h.upstream.conn == nil {
			return false
		}
		h.upstream.conn.Close(code, reason)
		h.dropUpstream(reason)
		return true
	case RoleDownstream:
		if h.downstream.conn == nil {
			return false
		}
		h.downstream.conn.Close(code, reason)
		h.setDownstream(downstreamSlot{}, reason)
		return true
	}
	return false
}

// deliver sends an envelope to a downstream connection, recording a
// drop when the connection is gone or saturated.
func (h *Hub) deliver(conn *transport.Conn, e *envelope.Envelope, what string) bool {
	if conn == nil {
		h.counters.DroppedToDownstream++
		h.events.Dropped("hub.downstream", "no downstream connected", "kind", e.Kind.String(), "method", e.Method, "session_id", e.SessionID)
		return false
	}
	if err := conn.SendEnvelope(e); err != nil {
		h.counters.DroppedToDownstream++
		h.logger.Debug("dropping "+what, "connection_id", conn.ID(), "error", err)
		h.events.Dropped("hub.downstream", err.Error(), "connection_id", conn.ID(), "kind", e.Kind.String(), "id", e.ID)
		return false
	}
	return true
}

// respond delivers a response. A response that cannot be queued aborts
// the connection with 1011, so the consumer's outstanding calls fail
// with a connection error instead of waiting for a reply that is gone.
func (h *Hub) respond(conn *transport.Conn, e *envelope.Envelope) bool {
	if h.deliver(conn, e, "response") {
		return true
	}
	if conn == nil {
		return false
	}
	select {
	case <-conn.Done():
	default:
		h.logger.Warn("closing downstream after undeliverable response", "connection_id", conn.ID(), "id", e.ID)
		conn.Abort(1011, "response queue full")
	}
	return false
}

// replyError answers a downstream command with a relay error and
// records the routing failure.
func (h *Hub) replyError(conn *transport.Conn, command *envelope.Envelope, err error) {
	h.counters.RoutingFailures++
	h.logger.Debug("command rejected", "id", command.ID, "method", command.Method, "session_id", command.SessionID, "error", err)
	h.events.RoutingFailure("hub", err, "id", command.ID, "method", command.Method, "session_id", command.SessionID)
	h.respond(conn, envelope.NewErrorResponse(command.ID, command.SessionID, envelope.ErrorFrom(err)))
}

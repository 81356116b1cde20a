// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/netutil"
)

// CloseHandshakeTimeout closes an upstream that did not open with a
// connection_info message within the grace period. It is in the
// private-use range.
const CloseHandshakeTimeout = 4001

var (
	// ErrQueueFull is returned by Send when the peer is not draining
	// its outbound queue fast enough.
	ErrQueueFull = errors.New("send queue full")

	// ErrClosed is returned by Send after the connection has closed.
	ErrClosed = errors.New("connection closed")
)

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	// Code is the WebSocket close code. 1006 (abnormal closure) means
	// no close frame was received.
	Code int

	// Reason is the close frame's text, if any.
	Reason string

	// Clean is true for a normal (1000) or going-away (1001) close, in
	// either direction.
	Clean bool

	// Local is true when this side initiated the close.
	Local bool

	// Err is the read or write error that ended an abnormal
	// connection.
	Err error
}

func (i CloseInfo) String() string {
	origin := "remote"
	if i.Local {
		origin = "local"
	}
	if i.Err != nil {
		return fmt.Sprintf("%s close %d: %v", origin, i.Code, i.Err)
	}
	return fmt.Sprintf("%s close %d %q", origin, i.Code, i.Reason)
}

func isCleanCode(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}

// Conn is one WebSocket connection with a dedicated write pump. Send
// never blocks: frames are queued and written in order by the pump.
// Exactly one goroutine may call ReadLoop.
type Conn struct {
	ws      *websocket.Conn
	id      string
	logger  *slog.Logger
	options Options

	queue     chan []byte
	abort     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	abortOnce sync.Once

	mu         sync.Mutex
	localClose *CloseInfo
	writeErr   error
}

func newConn(ws *websocket.Conn, options Options) *Conn {
	options = options.withDefaults()
	c := &Conn{
		ws:      ws,
		id:      uuid.NewString(),
		options: options,
		queue:   make(chan []byte, options.SendQueueSize),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.logger = options.Logger.With("connection_id", c.id)

	ws.SetReadLimit(options.MaxMessageBytes)
	if options.PingInterval > 0 {
		ws.SetReadDeadline(time.Now().Add(options.PongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(options.PongTimeout))
		})
	}

	go c.writePump()
	return c
}

// ID returns a unique identifier for this connection, used in logs and
// status output.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues one text frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.abort:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendEnvelope encodes and queues an envelope.
func (c *Conn) SendEnvelope(e *envelope.Envelope) error {
	data, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// ReadLoop delivers every inbound frame to handle, in order, until the
// connection ends, then tears the connection down and reports why.
func (c *Conn) ReadLoop(handle func(data []byte)) CloseInfo {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			info := c.closeInfo(err)
			c.teardown()
			return info
		}
		if c.options.PingInterval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
		}
		handle(data)
	}
}

// Close sends a close frame with code and reason and tears the
// connection down. Frames still queued are discarded. Calling Close
// more than once is harmless.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.localClose == nil {
		c.localClose = &CloseInfo{Code: code, Reason: reason, Clean: isCleanCode(code), Local: true}
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	message := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.options.WriteTimeout)); err != nil &&
		!netutil.IsExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("writing close frame failed", "error", err)
	}
	c.teardown()
}

// Abort is Close for callers that must not block, typically because
// the peer has stopped draining its queue. Queued frames are
// discarded, Send reports ErrClosed from here on, and the write pump
// sends the close frame. A write stuck on a peer that is not reading
// gives up after abortGrace and the connection is torn down without a
// close frame.
func (c *Conn) Abort(code int, reason string) {
	c.mu.Lock()
	if c.localClose == nil {
		c.localClose = &CloseInfo{Code: code, Reason: reason, Clean: isCleanCode(code), Local: true}
	}
	c.mu.Unlock()
	c.abortOnce.Do(func() {
		close(c.abort)
		c.ws.NetConn().SetWriteDeadline(time.Now().Add(abortGrace))
	})
}

const abortGrace = time.Second

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) closeInfo(readErr error) CloseInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localClose != nil {
		return *c.localClose
	}
	var closeError *websocket.CloseError
	if errors.As(readErr, &closeError) {
		return CloseInfo{Code: closeError.Code, Reason: closeError.Text, Clean: isCleanCode(closeError.Code)}
	}
	info := CloseInfo{Code: websocket.CloseAbnormalClosure, Err: readErr}
	if c.writeErr != nil {
		info.Err = c.writeErr
	}
	return info
}

func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.options.PingInterval > 0 {
		ticker := c.options.Clock.NewTicker(c.options.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.queue:
			select {
			case <-c.abort:
				c.writeAbortClose()
				return
			default:
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.failWrite(err)
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout)); err != nil {
				c.failWrite(err)
				return
			}
		case <-c.abort:
			c.writeAbortClose()
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeAbortClose() {
	c.mu.Lock()
	info := *c.localClose
	c.mu.Unlock()
	message := websocket.FormatCloseMessage(info.Code, info.Reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(abortGrace)); err != nil &&
		!netutil.IsExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("writing close frame failed", "error", err)
	}
	c.teardown()
}

func (c *Conn) failWrite(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
	if !netutil.IsExpectedCloseError(err) {
		c.logger.Warn("write failed", "error", err)
	}
	c.teardown()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package downstream is the automation consumer's client for the relay
// hub's downstream surface. A [Client] sends commands and waits for
// their responses, and delivers events to subscribers on a dedicated
// dispatch goroutine.
//
//	client, err := downstream.Dial(ctx, "ws://127.0.0.1:9332/cdp", downstream.Options{})
//	...
//	result, err := client.Send(ctx, "Page.navigate", map[string]string{"url": "https://example.com"}, "")
//
// The relay imposes no timeout on commands: a caller that wants one
// passes a context with a deadline and gets an error wrapping
// [envelope.ErrTimeout] when it passes.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/pending"
	"github.com/bureau-foundation/cdprelay/transport"
)

// Options configures a Client.
type Options struct {
	// Transport configures the WebSocket connection.
	Transport transport.Options

	// EventQueueSize bounds events waiting for dispatch. Events that
	// arrive while the queue is full are dropped. Default 1024.
	EventQueueSize int

	// Clock timestamps pending commands. Nil means clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Event is one CDP event received through the relay. SessionID is the
// relay session id the event originated from.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Client is one downstream connection to the relay hub.
type Client struct {
	conn    *transport.Conn
	logger  *slog.Logger
	pending *pending.Table[json.RawMessage]

	dispatch chan Event
	dropped  atomic.Uint64

	handlersMu  sync.Mutex
	handlers    map[int]func(Event)
	nextHandler int

	done      chan struct{}
	closeInfo transport.CloseInfo
}

// Dial connects to the hub's downstream surface.
func Dial(ctx context.Context, url string, options Options) (*Client, error) {
	if options.EventQueueSize <= 0 {
		options.EventQueueSize = 1024
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Transport.Logger == nil {
		options.Transport.Logger = logger
	}

	conn, err := transport.Dial(ctx, url, options.Transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", envelope.ErrRelayUnavailable, err)
	}
	c := &Client{
		conn:     conn,
		logger:   logger.With("connection_id", conn.ID()),
		pending:  pending.New[json.RawMessage](options.Clock, logger),
		dispatch: make(chan Event, options.EventQueueSize),
		handlers: make(map[int]func(Event)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

func (c *Client) readLoop() {
	info := c.conn.ReadLoop(c.handleFrame)
	c.closeInfo = info
	close(c.done)
	close(c.dispatch)
	if failed := c.pending.FailAll(envelope.ErrConnectionClosed); failed > 0 {
		c.logger.Info("relay connection closed with commands in flight", "count", failed, "close", info.String())
	} else {
		c.logger.Debug("relay connection closed", "close", info.String())
	}
}

func (c *Client) handleFrame(data []byte) {
	message, err := envelope.Decode(data)
	if err != nil {
		c.logger.Warn("malformed frame from relay", "error", err)
		var decodeError *envelope.DecodeError
		if errors.As(err, &decodeError) && decodeError.HasID {
			c.pending.Reject(decodeError.ID, envelope.NewError(envelope.ErrMalformedPayload, decodeError.Reason))
		}
		return
	}
	switch message.Kind {
	case envelope.KindResponse:
		if err := message.Err(); err != nil {
			c.pending.Reject(message.ID, err)
			return
		}
		c.pending.Resolve(message.ID, message.Result)
	case envelope.KindEvent:
		event := Event{SessionID: message.SessionID, Method: message.Method, Params: message.Params}
		select {
		case c.dispatch <- event:
		default:
			c.dropped.Add(1)
			c.logger.Warn("event queue full, dropping event", "method", event.Method, "session_id", event.SessionID)
		}
	default:
		c.logger.Debug("ignoring frame from relay", "kind", message.Kind.String())
	}
}

func (c *Client) dispatchLoop() {
	for event := range c.dispatch {
		for _, handler := range c.subscribers() {
			handler(event)
		}
	}
}

func (c *Client) subscribers() []func(Event) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(Event), len(ids))
	for i, id := range ids {
		handlers[i] = c.handlers[id]
	}
	return handlers
}

// Send issues method on sessionID (empty for the root session) and
// waits for its result. params is marshaled to JSON unless it is
// already a json.RawMessage; nil sends no params.
//
// A protocol error from the browser or the relay is returned as an
// *envelope.Error. Send fails with an error wrapping
// envelope.ErrRelayUnavailable when the client is not connected,
// envelope.ErrConnectionClosed when the connection drops while the
// command is in flight, and envelope.ErrTimeout when ctx's deadline
// passes.
func (c *Client) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("sending %s: %w", method, envelope.ErrRelayUnavailable)
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := c.pending.NextID()
	waiter := c.pending.Register(id)
	if err := c.conn.SendEnvelope(envelope.NewCommand(id, sessionID, method, raw)); err != nil {
		c.pending.Cancel(id)
		if errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("sending %s: %w", method, envelope.ErrRelayUnavailable)
		}
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	result, err := waiter.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w: %w", method, envelope.ErrTimeout, err)
		}
		return nil, err
	}
	return result, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch params := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return params, nil
	default:
		return json.Marshal(params)
	}
}

// Subscribe registers handler for every event received from now on.
// Handlers run one at a time, in subscription order, on the client's
// dispatch goroutine. The returned function unsubscribes.
func (c *Client) Subscribe(handler func(Event)) (unsubscribe func()) {
	c.handlersMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// Connected reports whether the connection is still open.
func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// CloseInfo reports how the connection ended. Valid once Done is
// closed.
func (c *Client) CloseInfo() transport.CloseInfo {
	<-c.done
	return c.closeInfo
}

// DroppedEvents returns how many events were dropped because the
// dispatch queue was full.
func (c *Client) DroppedEvents() uint64 { return c.dropped.Load() }

// Close closes the connection normally and waits for the read loop to
// finish. Commands still in flight fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.conn.Close(1000, "client closed")
	<-c.done
	return nil
}

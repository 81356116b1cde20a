// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/pending"
	"github.com/bureau-foundation/cdprelay/transport"
	"github.com/bureau-foundation/cdprelay/upstream"
)

// ErrTargetDetached is reported by Err when the browser detached the
// tab's session (the tab closed, crashed, or another client took it).
var ErrTargetDetached = errors.New("target detached")

// Tab is one attached tab on its own browser connection.
type Tab struct {
	conn    *transport.Conn
	logger  *slog.Logger
	pending *pending.Table[json.RawMessage]
	events  chan upstream.NativeEvent

	// Set by attached before the Tab is handed out.
	targetID   string
	targetInfo json.RawMessage

	detached      chan struct{}
	once          sync.Once
	detaching     chan struct{}
	detachingOnce sync.Once

	mu        sync.Mutex
	sessionID string
	err       error
}

var _ upstream.Native = (*Tab)(nil)

func newTab(conn *transport.Conn, clk clock.Clock, logger *slog.Logger) *Tab {
	t := &Tab{
		conn:     conn,
		logger:   logger.With("connection_id", conn.ID()),
		pending:  pending.New[json.RawMessage](clk, logger),
		events:    make(chan upstream.NativeEvent, 256),
		detached:  make(chan struct{}),
		detaching: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Tab) attached(sessionID, targetID string, info json.RawMessage) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	t.targetID = targetID
	t.targetInfo = info
	t.logger = t.logger.With("target_id", targetID)
}

// session returns the tab's flattened session id, empty until the
// attach completes.
func (t *Tab) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Tab) readLoop() {
	info := t.conn.ReadLoop(t.handleFrame)
	t.shutdown(fmt.Errorf("browser connection closed: %s", info))
}

func (t *Tab) handleFrame(data []byte) {
	message, err := envelope.Decode(data)
	if err != nil {
		t.logger.Warn("malformed frame from browser", "error", err)
		return
	}
	switch message.Kind {
	case envelope.KindResponse:
		if err := message.Err(); err != nil {
			t.pending.Reject(message.ID, err)
			return
		}
		t.pending.Resolve(message.ID, message.Result)
	case envelope.KindEvent:
		t.handleEvent(message)
	default:
		t.logger.Debug("ignoring frame from browser", "kind", message.Kind.String())
	}
}

func (t *Tab) handleEvent(message *envelope.Envelope) {
	// Before attach completes no session id is known and there is no
	// consumer for events yet.
	own := t.session()
	if own == "" {
		return
	}
	sessionID := message.SessionID
	switch sessionID {
	case own:
		sessionID = ""
	case "":
		// Browser-level events: only our own detachment matters.
		if message.Method == "Target.detachedFromTarget" && t.detachedSession(message.Params) == own {
			if t.isDetaching() {
				t.shutdown(nil)
			} else {
				t.shutdown(ErrTargetDetached)
			}
		}
		return
	}

	// Once Detach has started nobody drains events, and blocking here
	// would keep the detach reply from being read.
	event := upstream.NativeEvent{SessionID: sessionID, Method: message.Method, Params: message.Params}
	select {
	case t.events <- event:
	case <-t.detaching:
		t.logger.Debug("dropping event during detach", "method", message.Method)
	case <-t.detached:
	}
}

func (t *Tab) isDetaching() bool {
	select {
	case <-t.detaching:
		return true
	default:
		return false
	}
}

func (t *Tab) detachedSession(params json.RawMessage) string {
	var detached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &detached); err != nil {
		return ""
	}
	return detached.SessionID
}

// roundTrip issues a command and waits for its result, decoding it into
// result when non-nil.
func (t *Tab) roundTrip(ctx context.Context, sessionID, method string, params any, result any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		raw = encoded
	}

	id := t.pending.NextID()
	waiter := t.pending.Register(id)
	if err := t.conn.SendEnvelope(envelope.NewCommand(id, sessionID, method, raw)); err != nil {
		t.pending.Cancel(id)
		return fmt.Errorf("sending %s: %w", method, err)
	}
	value, err := waiter.Wait(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(value, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// TargetInfo implements upstream.Native.
func (t *Tab) TargetInfo() json.RawMessage { return t.targetInfo }

// Call implements upstream.Native. An empty sessionID addresses the
// tab itself.
func (t *Tab) Call(sessionID, method string, params json.RawMessage, done func(json.RawMessage, error)) {
	if sessionID == "" {
		sessionID = t.session()
	}
	id := t.pending.NextID()
	t.pending.RegisterFunc(id, done)
	if err := t.conn.SendEnvelope(envelope.NewCommand(id, sessionID, method, params)); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			err = envelope.NewError(envelope.ErrConnectionClosed, "browser connection closed")
		}
		t.pending.Reject(id, err)
	}
}

// Events implements upstream.Native.
func (t *Tab) Events() <-chan upstream.NativeEvent { return t.events }

// Detached implements upstream.Native.
func (t *Tab) Detached() <-chan struct{} { return t.detached }

// Err implements upstream.Native.
func (t *Tab) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Detach implements upstream.Native: the browser is asked to detach the
// session, then the connection is closed.
func (t *Tab) Detach(ctx context.Context) error {
	select {
	case <-t.detached:
		return nil
	default:
	}
	t.detachingOnce.Do(func() { close(t.detaching) })
	err := t.roundTrip(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": t.session()}, nil)
	t.shutdown(nil)
	if err != nil {
		return fmt.Errorf("detaching from target %s: %w", t.targetID, err)
	}
	return nil
}

func (t *Tab) shutdown(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.detached)
		t.conn.Close(1000, "detached")
		if failed := t.pending.FailAll(envelope.ErrConnectionClosed); failed > 0 {
			t.logger.Debug("failed in-flight commands", "count", failed)
		}
		if err != nil {
			t.logger.Info("tab session ended", "reason", err)
		}
	})
}

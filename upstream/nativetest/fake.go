// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativetest provides an in-memory [upstream.Debugger] for
// tests. Commands are answered by a handler in call order; tests emit
// native events and end sessions directly.
package nativetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/upstream"
)

// Handler answers one native command. sessionID is empty for the tab
// itself.
type Handler func(sessionID, method string, params json.RawMessage) (json.RawMessage, error)

// Echo answers every command with {"method": <method>, "sessionId":
// <sessionID>}.
func Echo(sessionID, method string, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"method": method, "sessionId": sessionID})
}

// Call is one command a Native received.
type Call struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Debugger is a fake tab-debugging API.
type Debugger struct {
	mu         sync.Mutex
	handler    Handler
	attachErr  error
	targetInfo json.RawMessage
	attached   chan *Native
}

// NewDebugger returns a Debugger whose sessions answer with handler
// (Echo when nil).
func NewDebugger(handler Handler) *Debugger {
	if handler == nil {
		handler = Echo
	}
	return &Debugger{
		handler:    handler,
		targetInfo: json.RawMessage(`{"targetId":"TAB-1","type":"page","title":"Test","url":"about:blank","attached":true}`),
		attached:   make(chan *Native, 16),
	}
}

// FailAttach makes subsequent Attach calls fail with err (nil restores
// success).
func (d *Debugger) FailAttach(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attachErr = err
}

// Attached delivers every session the Debugger opens.
func (d *Debugger) Attached() <-chan *Native { return d.attached }

// Attach implements upstream.Debugger.
func (d *Debugger) Attach(ctx context.Context, target upstream.TargetDescriptor) (upstream.Native, error) {
	d.mu.Lock()
	err, handler, info := d.attachErr, d.handler, d.targetInfo
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	native := &Native{
		Target:     target,
		handler:    handler,
		targetInfo: info,
		calls:      make(chan queuedCall, 1024),
		events:     make(chan upstream.NativeEvent, 1024),
		detached:   make(chan struct{}),
	}
	go native.execute()
	d.attached <- native
	return native, nil
}

type queuedCall struct {
	Call
	done func(json.RawMessage, error)
}

// Native is one fake attached tab.
type Native struct {
	// Target is the descriptor the session was attached with.
	Target upstream.TargetDescriptor

	handler    Handler
	targetInfo json.RawMessage
	calls      chan queuedCall
	events     chan upstream.NativeEvent
	detached   chan struct{}

	mu       sync.Mutex
	received []Call
	err      error
	explicit bool
}

// ErrTargetClosed is reported by Err after Close.
var ErrTargetClosed = errors.New("target closed")

func (n *Native) execute() {
	for {
		select {
		case call := <-n.calls:
			result, err := n.handler(call.SessionID, call.Method, call.Params)
			call.done(result, err)
		case <-n.detached:
			for {
				select {
				case call := <-n.calls:
					call.done(nil, envelope.NewError(envelope.ErrConnectionClosed, "tab detached"))
				default:
					return
				}
			}
		}
	}
}

// TargetInfo implements upstream.Native.
func (n *Native) TargetInfo() json.RawMessage { return n.targetInfo }

// Call implements upstream.Native.
func (n *Native) Call(sessionID, method string, params json.RawMessage, done func(json.RawMessage, error)) {
	call := Call{SessionID: sessionID, Method: method, Params: params}
	n.mu.Lock()
	n.received = append(n.received, call)
	select {
	case <-n.detached:
		n.mu.Unlock()
		done(nil, envelope.NewError(envelope.ErrConnectionClosed, "tab detached"))
		return
	default:
	}
	n.calls <- queuedCall{Call: call, done: done}
	n.mu.Unlock()
}

// Calls returns every command received so far, in order.
func (n *Native) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Call(nil), n.received...)
}

// Events implements upstream.Native.
func (n *Native) Events() <-chan upstream.NativeEvent { return n.events }

// Emit queues a native event from the tab.
func (n *Native) Emit(sessionID, method, params string) {
	event := upstream.NativeEvent{SessionID: sessionID, Method: method}
	if params != "" {
		event.Params = json.RawMessage(params)
	}
	n.events <- event
}

// AttachChild emits Target.attachedToTarget for a flattened child
// session under parent ("" for the tab).
func (n *Native) AttachChild(parent, childSessionID, targetID string) {
	params, _ := json.Marshal(map[string]any{
		"sessionId":          childSessionID,
		"targetInfo":         map[string]string{"targetId": targetID, "type": "iframe"},
		"waitingForDebugger": false,
	})
	n.Emit(parent, "Target.attachedToTarget", string(params))
}

// DetachChild emits Target.detachedFromTarget for childSessionID.
func (n *Native) DetachChild(parent, childSessionID string) {
	params, _ := json.Marshal(map[string]string{"sessionId": childSessionID})
	n.Emit(parent, "Target.detachedFromTarget", string(params))
}

// Detached implements upstream.Native.
func (n *Native) Detached() <-chan struct{} { return n.detached }

// Err implements upstream.Native.
func (n *Native) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Close simulates the tab going away with err.
func (n *Native) Close(err error) {
	if err == nil {
		err = ErrTargetClosed
	}
	n.finish(err, false)
}

// Detach implements upstream.Native.
func (n *Native) Detach(context.Context) error {
	n.finish(nil, true)
	return nil
}

// DetachedByAdapter reports whether the session ended through Detach.
func (n *Native) DetachedByAdapter() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.explicit
}

func (n *Native) finish(err error, explicit bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.detached:
		return
	default:
	}
	n.err = err
	n.explicit = explicit
	close(n.detached)
}

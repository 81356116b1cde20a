// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
)

// TargetDescriptor names the tab to debug. TargetID wins over URL;
// with Create set and no match, a new target is opened at URL.
type TargetDescriptor struct {
	TargetID string `json:"target_id,omitempty" cbor:"target_id,omitempty"`
	URL      string `json:"url,omitempty" cbor:"url,omitempty"`
	Create   bool   `json:"create,omitempty" cbor:"create,omitempty"`
}

func (d TargetDescriptor) String() string {
	switch {
	case d.TargetID != "":
		return "target " + d.TargetID
	case d.URL != "":
		return "url " + d.URL
	default:
		return "first page target"
	}
}

// NativeEvent is one unsolicited message from the native debugging
// transport. SessionID is empty for the attached tab itself and holds
// the native flattened session id for child targets.
type NativeEvent struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Debugger opens native debugging sessions on tabs. It stands in for
// the browser's privileged tab-debugging API.
type Debugger interface {
	Attach(ctx context.Context, target TargetDescriptor) (Native, error)
}

// Native is one attached tab.
type Native interface {
	// TargetInfo describes the attached tab, forwarded verbatim in the
	// connection_info handshake.
	TargetInfo() json.RawMessage

	// Call issues a command without waiting for its result. Commands
	// reach the tab in call order. done is invoked exactly once, from
	// any goroutine; a protocol error from the tab is an
	// *envelope.Error.
	Call(sessionID, method string, params json.RawMessage, done func(result json.RawMessage, err error))

	// Events delivers native events in the order the tab produced
	// them.
	Events() <-chan NativeEvent

	// Detached is closed when the tab detaches for any reason.
	Detached() <-chan struct{}

	// Err reports why the session detached, once Detached is closed.
	Err() error

	// Detach ends the debugging session.
	Detach(ctx context.Context) error
}

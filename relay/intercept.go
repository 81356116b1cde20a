// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/transport"
)

// protocolVersion is the DevTools protocol version the relay reports.
const protocolVersion = "1.3"

// browserVersion is the Browser.getVersion result shape.
type browserVersion struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// attachedToTarget is the Target.attachedToTarget event shape.
type attachedToTarget struct {
	SessionID          string          `json:"sessionId"`
	TargetInfo         json.RawMessage `json:"targetInfo"`
	WaitingForDebugger bool            `json:"waitingForDebugger"`
}

// intercept answers the browser-level methods that have no meaning on
// a single tab. It reports whether the command was handled.
func (h *Hub) intercept(conn *transport.Conn, command *envelope.Envelope) bool {
	switch command.Method {
	case "Browser.getVersion":
		result, _ := json.Marshal(browserVersion{
			ProtocolVersion: protocolVersion,
			Product:         h.config.BrowserProduct,
			UserAgent:       h.config.BrowserProduct,
		})
		h.counters.Intercepted++
		h.respond(conn, envelope.NewResult(command.ID, "", result))
		return true

	case "Target.setAutoAttach":
		root := h.registry.Root()
		if h.upstream.state != slotActive || root == nil {
			h.replyError(conn, command, envelope.NewError(envelope.ErrNoUpstream, "no tab is attached"))
			return true
		}
		h.counters.Intercepted++
		h.respond(conn, envelope.NewResult(command.ID, "", nil))

		targetInfo := root.TargetInfo
		if len(targetInfo) == 0 {
			targetInfo = json.RawMessage(`{}`)
		}
		params, _ := json.Marshal(attachedToTarget{SessionID: root.ID, TargetInfo: targetInfo})
		h.deliver(conn, envelope.NewEvent("", "Target.attachedToTarget", params), "event")
		return true
	}
	return false
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/version"
	"github.com/bureau-foundation/cdprelay/session"
	"github.com/bureau-foundation/cdprelay/transport"
)

func (h *Hub) openUpstream(conn *transport.Conn) {
	if h.upstream.conn != nil {
		h.logger.Info("new upstream supersedes current connection",
			"previous_connection_id", h.upstream.conn.ID(),
			"connection_id", conn.ID(),
		)
		h.upstream.conn.Close(1000, "superseded")
		h.dropUpstream("superseded")
	}

	h.counters.UpstreamConnections++
	h.events.Opened("hub.upstream", "connection_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	h.setUpstream(upstreamSlot{
		state:       slotConnecting,
		conn:        conn,
		connectedAt: h.clock.Now(),
		timer: h.clock.AfterFunc(h.config.HandshakeTimeout, func() {
			h.post(handshakeExpired{conn: conn})
		}),
	}, "accepted")
}

// setUpstream replaces the upstream slot and records the transition.
func (h *Hub) setUpstream(next upstreamSlot, reason string) {
	previous := h.upstream.state
	h.upstream = next
	if previous != next.state {
		args := []any{"reason", reason}
		if next.conn != nil {
			args = append(args, "connection_id", next.conn.ID())
		}
		h.events.Transition("hub.upstream", previous.String(), next.state.String(), args...)
	}
}

// dropUpstream clears the upstream slot after its connection has gone:
// every forwarded command still waiting is failed back to its caller
// and every session is forgotten.
func (h *Hub) dropUpstream(reason string) {
	if h.upstream.timer != nil {
		h.upstream.timer.Stop()
	}
	failed := h.pending.FailAll(fmt.Errorf("upstream %s: %w", reason, envelope.ErrConnectionClosed))
	removed := h.registry.RemoveAll()
	if failed > 0 || removed > 0 {
		h.logger.Info("upstream state cleared",
			"reason", reason,
			"failed_commands", failed,
			"removed_sessions", removed,
		)
	}
	h.setUpstream(upstreamSlot{}, reason)
}

func (h *Hub) closeUpstream(conn *transport.Conn, info transport.CloseInfo) {
	if conn != h.upstream.conn {
		// Already superseded or force-closed and cleaned up.
		return
	}
	h.events.Closed("hub.upstream", "connection_id", conn.ID(), "code", info.Code, "clean", info.Clean, "local", info.Local)
	level := h.logger.Info
	if !info.Clean {
		level = h.logger.Warn
	}
	level("upstream connection closed", "connection_id", conn.ID(), "close", info.String())
	h.dropUpstream("closed")
}

func (h *Hub) expireHandshake(conn *transport.Conn) {
	if conn != h.upstream.conn || h.upstream.state != slotConnecting {
		return
	}
	h.logger.Warn("upstream handshake timed out",
		"connection_id", conn.ID(),
		"timeout", h.config.HandshakeTimeout,
	)
	h.events.RoutingFailure("hub.upstream", envelope.ErrHandshakeTimeout, "connection_id", conn.ID())
	conn.Close(transport.CloseHandshakeTimeout, envelope.ErrHandshakeTimeout.Error())
	h.dropUpstream("handshake timeout")
}

func (h *Hub) handleUpstreamFrame(conn *transport.Conn, data []byte) {
	if conn != h.upstream.conn {
		return
	}

	message, err := envelope.Decode(data)
	if err != nil {
		h.counters.MalformedFrames++
		var decodeError *envelope.DecodeError
		if errors.As(err, &decodeError) && decodeError.HasID {
			// Most likely a response we could not parse: fail the
			// waiting caller instead of leaving it hanging.
			h.pending.Reject(decodeError.ID, err)
		}
		h.logger.Warn("malformed upstream frame", "connection_id", conn.ID(), "error", err)
		h.events.Dropped("hub.upstream", "malformed frame", "connection_id", conn.ID(), "error", err)
		return
	}

	if h.upstream.state == slotConnecting {
		h.handleHandshake(conn, message)
		return
	}

	switch message.Kind {
	case envelope.KindResponse:
		if !h.pending.Resolve(message.ID, message) {
			h.counters.UnknownResponses++
			h.events.Dropped("hub.upstream", "response for unknown id", "id", message.ID)
		}
	case envelope.KindEvent:
		h.forwardEvent(message)
	case envelope.KindControl:
		h.handleUpstreamControl(message.Control)
	default:
		h.logger.Debug("ignoring upstream command", "id", message.ID, "method", message.Method)
		h.events.Dropped("hub.upstream", "commands are not accepted from upstream", "id", message.ID, "method", message.Method)
	}
}

func (h *Hub) handleHandshake(conn *transport.Conn, message *envelope.Envelope) {
	if message.Kind != envelope.KindControl || message.Control.Type != envelope.ControlConnectionInfo {
		h.logger.Warn("upstream sent a message before connection_info",
			"connection_id", conn.ID(),
			"kind", message.Kind.String(),
		)
		h.events.RoutingFailure("hub.upstream", envelope.ErrHandshakeTimeout, "connection_id", conn.ID(), "kind", message.Kind.String())
		conn.Close(transport.CloseHandshakeTimeout, "expected connection_info")
		h.dropUpstream("handshake failed")
		return
	}

	info := message.Control
	if !version.Compatible(version.Short(), info.AdapterVersion) {
		h.logger.Warn("upstream adapter version may be incompatible",
			"adapter_version", info.AdapterVersion,
			"relay_version", version.Short(),
		)
	}

	h.upstream.timer.Stop()
	if _, err := h.registry.Create(session.Session{
		ID:         info.SessionID,
		IsRoot:     true,
		TargetInfo: info.TargetInfo,
		CreatedAt:  h.clock.Now(),
	}); err != nil {
		// The registry was emptied when the previous upstream went
		// away, so this only happens if the adapter reuses an id
		// across its own sessions.
		h.logger.Error("registering root session", "session_id", info.SessionID, "error", err)
	}

	next := h.upstream
	next.state = slotActive
	next.timer = nil
	next.adapterVersion = info.AdapterVersion
	next.rootSessionID = info.SessionID
	next.targetInfo = info.TargetInfo
	h.setUpstream(next, "handshake complete")

	h.logger.Info("upstream attached",
		"connection_id", conn.ID(),
		"session_id", info.SessionID,
		"adapter_version", info.AdapterVersion,
	)
	ack := envelope.NewControl(envelope.Control{
		Type:         envelope.ControlConnectionAck,
		SessionID:    info.SessionID,
		RelayVersion: version.Short(),
	})
	if err := conn.SendEnvelope(ack); err != nil {
		h.logger.Warn("sending connection_ack", "connection_id", conn.ID(), "error", err)
	}
}

func (h *Hub) handleUpstreamControl(control *envelope.Control) {
	switch control.Type {
	case envelope.ControlSessionAttached:
		created, err := h.registry.Create(session.Session{
			ID:              control.SessionID,
			ParentSessionID: control.ParentSessionID,
			TargetInfo:      control.TargetInfo,
			CreatedAt:       h.clock.Now(),
		})
		if err != nil {
			h.logger.Warn("session_attached rejected", "session_id", control.SessionID, "error", err)
			return
		}
		h.logger.Debug("child session attached", "session_id", created.ID, "parent_session_id", created.ParentSessionID)
	case envelope.ControlSessionDetached:
		removed := h.registry.Remove(control.SessionID)
		if len(removed) == 0 {
			h.logger.Debug("session_detached for unknown session", "session_id", control.SessionID)
			return
		}
		h.logger.Debug("child session detached", "session_id", control.SessionID, "removed", len(removed))
	default:
		h.logger.Warn("unexpected upstream control message", "type", control.Type)
	}
}

// forwardEvent sends an upstream event to the current downstream,
// stamping root events with the current root session id.
func (h *Hub) forwardEvent(event *envelope.Envelope) {
	if event.SessionID == "" {
		event.SessionID = h.upstream.rootSessionID
	}
	if h.downstream.conn == nil {
		h.counters.EventsDropped++
		h.logger.Debug("dropping event with no downstream", "method", event.Method, "session_id", event.SessionID)
		h.events.Dropped("hub.downstream", "no downstream connected", "method", event.Method, "session_id", event.SessionID)
		return
	}
	if h.deliver(h.downstream.conn, event, "event") {
		h.counters.EventsForwarded++
	} else {
		h.counters.EventsDropped++
	}
}

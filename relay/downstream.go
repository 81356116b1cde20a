// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/transport"
)

func (h *Hub) openDownstream(conn *transport.Conn) {
	if h.downstream.conn != nil {
		h.logger.Info("new downstream supersedes current connection",
			"previous_connection_id", h.downstream.conn.ID(),
			"connection_id", conn.ID(),
		)
		h.downstream.conn.Close(1000, "superseded")
		h.setDownstream(downstreamSlot{}, "superseded")
	}
	h.counters.DownstreamConnections++
	h.events.Opened("hub.downstream", "connection_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	h.setDownstream(downstreamSlot{state: slotActive, conn: conn, connectedAt: h.clock.Now()}, "accepted")
}

func (h *Hub) setDownstream(next downstreamSlot, reason string) {
	previous := h.downstream.state
	h.downstream = next
	if previous != next.state {
		h.events.Transition("hub.downstream", previous.String(), next.state.String(), "reason", reason)
	}
}

func (h *Hub) closeDownstream(conn *transport.Conn, info transport.CloseInfo) {
	if conn != h.downstream.conn {
		return
	}
	h.events.Closed("hub.downstream", "connection_id", conn.ID(), "code", info.Code, "clean", info.Clean, "local", info.Local)
	h.logger.Info("downstream connection closed", "connection_id", conn.ID(), "close", info.String())
	// Commands it already forwarded stay pending; their responses are
	// dropped when they find the connection closed.
	h.setDownstream(downstreamSlot{}, "closed")
}

func (h *Hub) handleDownstreamFrame(conn *transport.Conn, data []byte) {
	if conn != h.downstream.conn {
		return
	}

	message, err := envelope.Decode(data)
	if err != nil {
		h.counters.MalformedFrames++
		var decodeError *envelope.DecodeError
		if errors.As(err, &decodeError) && decodeError.HasID {
			h.replyError(conn, &envelope.Envelope{ID: decodeError.ID}, err)
			return
		}
		h.logger.Debug("dropping malformed downstream frame", "connection_id", conn.ID(), "error", err)
		h.events.Dropped("hub.downstream", "malformed frame", "connection_id", conn.ID(), "error", err)
		return
	}

	if message.Kind != envelope.KindCommand {
		h.logger.Debug("ignoring non-command from downstream", "kind", message.Kind.String())
		h.events.Dropped("hub.downstream", "only commands are accepted from downstream", "kind", message.Kind.String())
		return
	}

	h.routeCommand(conn, message)
}

// routeCommand resolves a downstream command's session and forwards it
// upstream under a fresh id, or answers it locally.
func (h *Hub) routeCommand(conn *transport.Conn, command *envelope.Envelope) {
	if command.SessionID == "" && h.intercept(conn, command) {
		return
	}

	var target string
	if command.SessionID == "" {
		if h.upstream.state != slotActive || h.registry.Root() == nil {
			h.replyError(conn, command, envelope.NewError(envelope.ErrNoUpstream, "no tab is attached"))
			return
		}
		target = h.registry.Root().ID
	} else {
		resolved, err := h.registry.Lookup(command.SessionID)
		if err != nil {
			h.replyError(conn, command, envelope.NewError(envelope.ErrSessionNotFound, command.SessionID))
			return
		}
		target = resolved.ID
	}

	originalID, originalSessionID := command.ID, command.SessionID
	upstreamID := h.pending.NextID()
	h.pending.RegisterFunc(upstreamID, func(response *envelope.Envelope, err error) {
		var reply *envelope.Envelope
		if err != nil {
			reply = envelope.NewErrorResponse(originalID, originalSessionID, envelope.ErrorFrom(err))
		} else {
			reply = &envelope.Envelope{
				Kind:      envelope.KindResponse,
				ID:        originalID,
				SessionID: originalSessionID,
				Result:    response.Result,
				Error:     response.Error,
			}
		}
		if h.respond(conn, reply) {
			h.counters.ResponsesDelivered++
		}
	})

	forwarded := envelope.NewCommand(upstreamID, target, command.Method, command.Params)
	if err := h.upstream.conn.SendEnvelope(forwarded); err != nil {
		h.pending.Cancel(upstreamID)
		if errors.Is(err, transport.ErrClosed) {
			err = envelope.ErrConnectionClosed
		}
		h.replyError(conn, command, fmt.Errorf("forwarding %s: %w", command.Method, err))
		return
	}
	h.counters.CommandsForwarded++
	h.logger.Debug("command forwarded",
		"id", originalID,
		"upstream_id", upstreamID,
		"method", command.Method,
		"session_id", target,
	)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"time"

	"github.com/samber/lo"

	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/session"
)

// Counters are cumulative routing totals since the hub started.
type Counters struct {
	CommandsForwarded     uint64 `json:"commands_forwarded" cbor:"commands_forwarded"`
	ResponsesDelivered    uint64 `json:"responses_delivered" cbor:"responses_delivered"`
	EventsForwarded       uint64 `json:"events_forwarded" cbor:"events_forwarded"`
	EventsDropped         uint64 `json:"events_dropped" cbor:"events_dropped"`
	Intercepted           uint64 `json:"intercepted" cbor:"intercepted"`
	RoutingFailures       uint64 `json:"routing_failures" cbor:"routing_failures"`
	MalformedFrames       uint64 `json:"malformed_frames" cbor:"malformed_frames"`
	UnknownResponses      uint64 `json:"unknown_responses" cbor:"unknown_responses"`
	DroppedToDownstream   uint64 `json:"dropped_to_downstream" cbor:"dropped_to_downstream"`
	UpstreamConnections   uint64 `json:"upstream_connections" cbor:"upstream_connections"`
	DownstreamConnections uint64 `json:"downstream_connections" cbor:"downstream_connections"`
}

// ConnectionStatus describes one role slot.
type ConnectionStatus struct {
	State        string    `json:"state" cbor:"state"`
	ConnectionID string    `json:"connection_id,omitempty" cbor:"connection_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty" cbor:"remote_addr,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty" cbor:"connected_at,omitempty"`

	// Upstream only.
	AdapterVersion string `json:"adapter_version,omitempty" cbor:"adapter_version,omitempty"`
	RootSessionID  string `json:"root_session_id,omitempty" cbor:"root_session_id,omitempty"`
}

// Status is a point-in-time snapshot of the hub.
type Status struct {
	Upstream      ConnectionStatus  `json:"upstream" cbor:"upstream"`
	Downstream    ConnectionStatus  `json:"downstream" cbor:"downstream"`
	Sessions      []session.Session `json:"sessions" cbor:"sessions"`
	ChildSessions int               `json:"child_sessions" cbor:"child_sessions"`
	Pending       int               `json:"pending" cbor:"pending"`
	OldestPending time.Duration     `json:"oldest_pending" cbor:"oldest_pending"`
	Counters      Counters          `json:"counters" cbor:"counters"`
	Events        eventlog.Stats    `json:"events" cbor:"events"`
}

func (h *Hub) snapshot() Status {
	sessions := h.registry.List()
	status := Status{
		Upstream: ConnectionStatus{
			State:          h.upstream.state.String(),
			ConnectedAt:    h.upstream.connectedAt,
			AdapterVersion: h.upstream.adapterVersion,
			RootSessionID:  h.upstream.rootSessionID,
		},
		Downstream: ConnectionStatus{
			State:       h.downstream.state.String(),
			ConnectedAt: h.downstream.connectedAt,
		},
		Sessions:      sessions,
		ChildSessions: lo.CountBy(sessions, func(s session.Session) bool { return !s.IsRoot }),
		Pending:       h.pending.Len(),
		OldestPending: h.pending.Oldest(),
		Counters:      h.counters,
		Events:        h.events.Stats(),
	}
	if conn := h.upstream.conn; conn != nil {
		status.Upstream.ConnectionID = conn.ID()
		status.Upstream.RemoteAddr = conn.RemoteAddr()
	}
	if conn := h.downstream.conn; conn != nil {
		status.Downstream.ConnectionID = conn.ID()
		status.Downstream.RemoteAddr = conn.RemoteAddr()
	}
	return status
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

// Status is a point-in-time view of the adapter.
type Status struct {
	State             string   `cbor:"state"`
	RelayURL          string   `cbor:"relay_url"`
	Target            string   `cbor:"target,omitempty"`
	RootSessionID     string   `cbor:"root_session_id,omitempty"`
	ConnectionID      string   `cbor:"connection_id,omitempty"`
	ChildSessions     []string `cbor:"child_sessions,omitempty"`
	ReconnectAttempts int      `cbor:"reconnect_attempts"`
	BufferedEvents    int      `cbor:"buffered_events"`
	DroppedEvents     int      `cbor:"dropped_events"`
	InFlight          int      `cbor:"in_flight"`
	LastError         string   `cbor:"last_error,omitempty"`
}

func (a *Adapter) snapshot() Status {
	status := Status{
		State:             a.State().String(),
		RelayURL:          a.config.RelayURL,
		ChildSessions:     a.children.ids(),
		ReconnectAttempts: a.attempts,
		BufferedEvents:    len(a.buffer),
		DroppedEvents:     a.dropped,
	}
	if a.State() != Disconnected {
		status.Target = a.target.String()
	}
	if a.link != nil {
		status.RootSessionID = a.link.rootID
		status.ConnectionID = a.link.conn.ID()
		status.InFlight = a.link.pending.Len()
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}
	return status
}

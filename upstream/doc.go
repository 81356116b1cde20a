// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the tab-side adapter: it owns the native
// debugging session on one tab and the single WebSocket connection to
// the relay hub's upstream surface.
//
// The adapter is a state machine run by one goroutine ([Adapter.Run]):
//
//	Disconnected -> Connecting -> Attaching -> Active -> Disconnecting -> Disconnected
//	                                            |  ^
//	                                            v  |
//	                                        Reconnecting
//
// Connecting dials the relay. Attaching attaches the native debugger
// to the tab and completes the connection_info / connection_ack
// handshake under a fresh root session id. Active translates in both
// directions: relay commands become native calls (the root session id
// maps to the tab itself), native events become relay events stamped
// with the relay session id, and native Target.attachedToTarget /
// detachedFromTarget events additionally produce session_attached /
// session_detached control messages.
//
// An abnormal close of the relay connection (anything but 1000 or
// 1001) enters Reconnecting: a bounded number of attempts separated by
// a fixed delay. Each attempt re-enters Connecting to dial and
// re-handshake with a new root id, and falls back to Reconnecting if
// it fails.
// The native session stays attached throughout; events it produces are
// held in a bounded buffer and flushed, after the surviving child
// sessions are re-announced, once the new connection is acknowledged.
// Exhausting the attempts detaches the tab, returns to Disconnected and
// reports [ErrReconnectExhausted] on [Adapter.Failures]. A clean close,
// an explicit detach, or the tab going away all pass through
// Disconnecting; reaching Disconnected discards any buffered events.
//
// Every relay connection has its own pending table for the commands
// executing natively on its behalf, so a result that completes after
// its connection is gone is dropped rather than answered on a newer
// connection.
package upstream

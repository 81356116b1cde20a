// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the hub: the server process that sits
// between one upstream (tab) connection and one downstream (automation
// consumer) connection and routes envelopes between them.
//
// All routing state lives on a single goroutine, the routing loop
// started by [Hub.Run]. Each physical connection has a reader goroutine
// (running [transport.Conn.ReadLoop]) that posts frames into the loop,
// and a write pump owned by the Conn. The loop owns both role slots,
// the [session.Registry] and the pending-command table; nothing else
// touches them, so none of them are locked.
//
// Role slots are tagged variants. The upstream slot moves
// None -> Connecting (upgrade accepted, handshake grace timer running)
// -> Active (connection_info received, root session registered) and
// back to None when the connection closes. The downstream slot has no
// handshake and goes straight from None to Active. A new connection for
// either role supersedes the current one: the old connection is closed
// and its state cleaned up before the new one is installed.
//
// Downstream commands are forwarded under a hub-assigned id. The
// pending entry remembers the consumer's original id and session id
// and the downstream connection that issued the command, so the
// response goes back to exactly that caller. When the upstream goes
// away every pending entry is failed with a connection-closed error
// response and the registry is emptied. Root-addressed commands (no
// sessionId) always resolve to the current root, so after a reconnect
// they work again without the consumer learning the new root id.
// Explicit child session ids from before the loss are gone and answer
// session-not-found.
//
// The hub answers two browser-level methods itself: Browser.getVersion
// and Target.setAutoAttach (see intercept.go). The downstream surface
// also serves GET /json/version for clients that discover the
// WebSocket URL over HTTP.
package relay

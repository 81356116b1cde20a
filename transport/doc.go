// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries relay envelopes over WebSocket connections.
//
// [Listener] accepts inbound HTTP connections for one relay surface
// (Serve, Address, Close); [TCPListener] is the only implementation.
// [Dialer] opens the network connection beneath an outbound WebSocket;
// [TCPDialer] dials plain TCP.
//
// [Conn] wraps a gorilla/websocket connection. Each Conn has one write
// pump goroutine draining a bounded queue, so [Conn.Send] never blocks
// the routing loop that calls it: a peer that stops reading gets
// [ErrQueueFull] rather than stalling the relay. [Conn.Abort] closes
// such a peer without blocking. [Conn.ReadLoop] runs
// on the owner's reader goroutine and returns a [CloseInfo] saying
// whether the connection ended cleanly (close code 1000 or 1001) or
// abnormally, which is what the upstream adapter uses to decide
// between stopping and reconnecting.
//
// [Dial] and [Upgrade] create Conns for the two directions.
package transport

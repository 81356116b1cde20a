// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"
)

// Listener accepts inbound HTTP connections for one relay surface. The
// hub creates one Listener per surface and calls Serve with a handler
// that upgrades matching requests to WebSocket connections.
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns the bound address in "host:port" form, with the
	// real port when the listener was created on port 0.
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens the network connection underneath an outbound
// WebSocket. [Dial] uses it when [Options].Dialer is set, so tests and
// unusual deployments can control how the relay is reached.
type Dialer interface {
	// DialContext opens a network connection to address (host:port).
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

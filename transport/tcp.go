// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener serves one relay surface on a TCP address.
type TCPListener struct {
	listener net.Listener

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewTCPListener creates a TCP listener on the specified address (e.g.,
// "127.0.0.1:9331"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve starts accepting TCP connections and dispatches to handler.
// Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler http.Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	// No ReadTimeout or WriteTimeout: upgraded connections live for as
	// long as the peer stays attached and manage their own deadlines.
	l.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := l.server
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	err := server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener. Hijacked WebSocket connections are
// not affected; their owners close them.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}

// TCPDialer opens plain TCP connections.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/cdprelay/lib/clock"
)

// Options configures a Conn. Zero values select the defaults noted on
// each field.
type Options struct {
	// SendQueueSize bounds the outbound queue. Default 256.
	SendQueueSize int

	// MaxMessageBytes bounds one inbound frame. Default 64 MiB.
	MaxMessageBytes int64

	// PingInterval enables keepalive pings. Zero disables them.
	PingInterval time.Duration

	// PongTimeout is how long to wait for any inbound traffic before
	// declaring the peer dead. Default twice PingInterval.
	PongTimeout time.Duration

	// WriteTimeout bounds one frame write. Default 10s.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the HTTP upgrade on Dial. Default 10s.
	HandshakeTimeout time.Duration

	// Dialer, if set, opens the network connection for Dial.
	Dialer Dialer

	// Header is sent with the Dial upgrade request.
	Header http.Header

	// Clock schedules keepalive pings. Defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 20
	}
	if o.PingInterval > 0 && o.PongTimeout <= 0 {
		o.PongTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dial opens a WebSocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, options Options) (*Conn, error) {
	resolved := options.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: resolved.HandshakeTimeout,
	}
	if options.Dialer != nil {
		dialer.NetDialContext = func(ctx context.Context, _, address string) (net.Conn, error) {
			return options.Dialer.DialContext(ctx, address)
		}
	}

	ws, response, err := dialer.DialContext(ctx, url, options.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newConn(ws, options), nil
}

// upgrader accepts any origin: the upstream peer is a browser extension
// whose origin is chrome-extension://<id>, and consumers are not
// authenticated.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade upgrades an inbound HTTP request to a WebSocket Conn. On
// failure an HTTP error has already been written to w.
func Upgrade(w http.ResponseWriter, r *http.Request, options Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading %s: %w", r.RemoteAddr, err)
	}
	return newConn(ws, options), nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/bureau-foundation/cdprelay/transport"
)

// UpstreamHandler returns the HTTP handler for the tab surface. It
// upgrades requests on the upstream path and serves each connection
// until it closes.
func (h *Hub) UpstreamHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.config.UpstreamPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, h.config.Transport)
		if err != nil {
			h.logger.Warn("upstream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		h.ServeUpstream(conn)
	})
	return mux
}

// DownstreamHandler returns the HTTP handler for the consumer surface:
// the WebSocket path plus the /json/version discovery document.
func (h *Hub) DownstreamHandler() http.Handler {
	mux := http.NewServeMux()
	h.registerDownstream(mux)
	return mux
}

// Handler serves both surfaces from one mux, for deployments that put
// them on the same address.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+h.config.UpstreamPath, h.UpstreamHandler())
	h.registerDownstream(mux)
	return mux
}

func (h *Hub) registerDownstream(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.config.DownstreamPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, h.config.Transport)
		if err != nil {
			h.logger.Warn("downstream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		h.ServeDownstream(conn)
	})
	mux.HandleFunc("GET /json/version", h.serveVersion)
	mux.HandleFunc("GET /json/version/", h.serveVersion)
}

// versionDocument mirrors the DevTools HTTP discovery response.
type versionDocument struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (h *Hub) serveVersion(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	document := versionDocument{
		Browser:              h.config.BrowserProduct,
		ProtocolVersion:      protocolVersion,
		UserAgent:            h.config.BrowserProduct,
		WebSocketDebuggerURL: scheme + "://" + r.Host + h.config.DownstreamPath,
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if err := json.NewEncoder(w).Encode(document); err != nil {
		h.logger.Debug("writing /json/version", "error", err)
	}
}

// Serve runs the hub's routing loop and serves both surfaces until ctx
// is cancelled or a listener fails. When downstream is nil both
// surfaces are served from upstream.
func (h *Hub) Serve(ctx context.Context, upstream, downstream transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				h.logger.Error("relay component failed", "component", name, "error", err)
			}
			cancel()
		}()
	}

	run("routing loop", func() error { return h.Run(ctx) })
	if downstream == nil {
		h.logger.Info("serving both surfaces", "address", upstream.Address())
		run("listener", func() error { return upstream.Serve(ctx, h.Handler()) })
	} else {
		h.logger.Info("serving",
			"upstream_address", upstream.Address(),
			"downstream_address", downstream.Address(),
		)
		run("upstream listener", func() error { return upstream.Serve(ctx, h.UpstreamHandler()) })
		run("downstream listener", func() error { return downstream.Serve(ctx, h.DownstreamHandler()) })
	}

	wg.Wait()
	return firstErr
}

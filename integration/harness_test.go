// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test runs the relay hub, the tab adapter and the
// downstream client together over real WebSockets. The tab is the
// in-memory nativetest debugger; everything between it and the
// consumer is production code.
package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/downstream"
	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
	"github.com/bureau-foundation/cdprelay/relay"
	"github.com/bureau-foundation/cdprelay/upstream"
	"github.com/bureau-foundation/cdprelay/upstream/nativetest"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stackOptions struct {
	handler           nativetest.Handler
	reconnectAttempts int
	reconnectDelay    time.Duration
}

// stack is one hub with an adapter attached to a fake tab and a
// downstream client connected.
type stack struct {
	t        *testing.T
	hub      *relay.Hub
	server   *httptest.Server
	debugger *nativetest.Debugger
	adapter  *upstream.Adapter
	native   *nativetest.Native
	client   *downstream.Client
	events   *eventlog.Emitter

	// refuseUpstream makes the upstream surface answer 503.
	refuseUpstream atomic.Bool
}

func newStack(t *testing.T, options stackOptions) *stack {
	t.Helper()
	if options.reconnectDelay == 0 {
		options.reconnectDelay = 20 * time.Millisecond
	}
	s := &stack{t: t}
	s.events = eventlog.New(eventlog.Config{Logger: testLogger()})

	s.hub = relay.New(relay.Config{
		HandshakeTimeout: 5 * time.Second,
		BrowserProduct:   "TestRelay/1.0",
		Logger:           testLogger(),
		Events:           s.events,
	})
	ctx, cancel := context.WithCancel(context.Background())
	hubStopped := make(chan struct{})
	go func() {
		s.hub.Run(ctx)
		close(hubStopped)
	}()

	handler := s.hub.Handler()
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/extension" && s.refuseUpstream.Load() {
			http.Error(w, "upstream surface closed", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))

	var rootCounter atomic.Int64
	s.debugger = nativetest.NewDebugger(options.handler)
	s.adapter = upstream.New(upstream.Config{
		RelayURL:          s.url("/extension"),
		Debugger:          s.debugger,
		ReconnectAttempts: options.reconnectAttempts,
		ReconnectDelay:    options.reconnectDelay,
		AckTimeout:        5 * time.Second,
		NewSessionID: func() string {
			return fmt.Sprintf("root-%d", rootCounter.Add(1))
		},
		Logger: testLogger(),
		Events: s.events,
	})
	adapterStopped := make(chan struct{})
	go func() {
		s.adapter.Run(ctx)
		close(adapterStopped)
	}()

	t.Cleanup(func() {
		if s.client != nil {
			s.client.Close()
		}
		cancel()
		testutil.RequireClosed(t, adapterStopped, waitTimeout, "adapter stopped")
		testutil.RequireClosed(t, hubStopped, waitTimeout, "hub stopped")
		s.server.Close()
		s.events.Close()
	})
	return s
}

func (s *stack) url(path string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + path
}

// attach attaches the adapter to the first page and waits for the hub
// to register the root session.
func (s *stack) attach() string {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	rootID, err := s.adapter.RequestAttach(ctx, upstream.TargetDescriptor{})
	if err != nil {
		s.t.Fatalf("RequestAttach: %v", err)
	}
	s.native = testutil.RequireReceive(s.t, s.debugger.Attached(), waitTimeout, "native session opened")
	s.waitForRoot(rootID)
	return rootID
}

func (s *stack) connect() *downstream.Client {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	client, err := downstream.Dial(ctx, s.url("/cdp"), downstream.Options{Logger: testLogger()})
	if err != nil {
		s.t.Fatalf("Dial: %v", err)
	}
	s.client = client
	return client
}

func (s *stack) status() relay.Status {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	status, err := s.hub.Status(ctx)
	if err != nil {
		s.t.Fatalf("hub Status: %v", err)
	}
	return status
}

func (s *stack) waitFor(condition func(relay.Status) bool, what string) {
	s.t.Helper()
	testutil.Eventually(s.t, waitTimeout, func() bool { return condition(s.status()) }, "waiting for %s", what)
}

func (s *stack) waitForRoot(rootID string) {
	s.t.Helper()
	s.waitFor(func(status relay.Status) bool {
		return status.Upstream.State == "active" && status.Upstream.RootSessionID == rootID
	}, "root session "+rootID)
}

// dropUpstream force-closes the adapter's relay connection from the hub
// side with a non-normal code, which the adapter treats as a loss.
func (s *stack) dropUpstream() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	dropped, err := s.hub.Disconnect(ctx, relay.RoleUpstream)
	if err != nil || !dropped {
		s.t.Fatalf("Disconnect upstream = %v, %v", dropped, err)
	}
}

func (s *stack) send(method string, params any, sessionID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return s.client.Send(ctx, method, params, sessionID)
}

// echoed is what nativetest.Echo answers.
type echoed struct {
	Method    string `json:"method"`
	SessionID string `json:"sessionId"`
}

func decodeEcho(t *testing.T, raw json.RawMessage) echoed {
	t.Helper()
	var result echoed
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding %s: %v", raw, err)
	}
	return result
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
	"github.com/bureau-foundation/cdprelay/transport"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	t      *testing.T
	hub    *Hub
	clock  *clock.FakeClock
	server *httptest.Server
}

func newHarness(t *testing.T, adjust ...func(*Config)) *harness {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	config := Config{
		HandshakeTimeout: 5 * time.Second,
		BrowserProduct:   "TestRelay/1.0",
		Clock:            fake,
		Logger:           testLogger(),
	}
	for _, f := range adjust {
		f(&config)
	}
	hub := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	server := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})
	return &harness{t: t, hub: hub, clock: fake, server: server}
}

func (h *harness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

// peer is a raw WebSocket endpoint standing in for a tab adapter or an
// automation client.
type peer struct {
	t      *testing.T
	conn   *transport.Conn
	frames chan *envelope.Envelope
	closed chan transport.CloseInfo
}

func (h *harness) dial(path string) *peer {
	h.t.Helper()
	conn, err := transport.Dial(context.Background(), h.url(path), transport.Options{Logger: testLogger()})
	if err != nil {
		h.t.Fatalf("dialing %s: %v", path, err)
	}
	p := &peer{
		t:      h.t,
		conn:   conn,
		frames: make(chan *envelope.Envelope, 1024),
		closed: make(chan transport.CloseInfo, 1),
	}
	go func() {
		p.closed <- conn.ReadLoop(func(data []byte) {
			decoded, err := envelope.Decode(data)
			if err != nil {
				h.t.Errorf("peer received malformed frame %s: %v", data, err)
				return
			}
			p.frames <- decoded
		})
	}()
	h.t.Cleanup(func() { conn.Close(1000, "") })
	return p
}

// connectUpstream dials the tab surface and completes the handshake
// with the given root session id.
func (h *harness) connectUpstream(rootID string) *peer {
	h.t.Helper()
	p := h.dial("/extension")
	p.send(envelope.NewControl(envelope.Control{
		Type:           envelope.ControlConnectionInfo,
		SessionID:      rootID,
		TargetInfo:     json.RawMessage(`{"targetId":"T-` + rootID + `","type":"page","url":"about:blank"}`),
		AdapterVersion: "0.3.0",
	}))
	ack := p.next()
	if ack.Kind != envelope.KindControl || ack.Control.Type != envelope.ControlConnectionAck {
		h.t.Fatalf("expected connection_ack, got %+v", ack)
	}
	if ack.Control.SessionID != rootID {
		h.t.Fatalf("connection_ack session = %q, want %q", ack.Control.SessionID, rootID)
	}
	return p
}

// connectDownstream dials the consumer surface and waits until the hub
// has installed it, so events sent afterwards are routed to it.
func (h *harness) connectDownstream() *peer {
	h.t.Helper()
	p := h.dial("/cdp")
	h.waitFor(func(s Status) bool { return s.Downstream.ConnectionID != "" && s.Downstream.State == "active" },
		"downstream to become active")
	return p
}

func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	status, err := h.hub.Status(ctx)
	if err != nil {
		h.t.Fatalf("Status: %v", err)
	}
	return status
}

func (h *harness) waitFor(condition func(Status) bool, what string) {
	h.t.Helper()
	testutil.Eventually(h.t, waitTimeout, func() bool { return condition(h.status()) }, "waiting for %s", what)
}

func (p *peer) send(e *envelope.Envelope) {
	p.t.Helper()
	if err := p.conn.SendEnvelope(e); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *peer) sendRaw(data string) {
	p.t.Helper()
	if err := p.conn.Send([]byte(data)); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *peer) next() *envelope.Envelope {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.frames, waitTimeout, "waiting for frame")
}

// command sends a command and returns its response.
func (p *peer) call(id int64, sessionID, method string, params string) *envelope.Envelope {
	p.t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	p.send(envelope.NewCommand(id, sessionID, method, raw))
	response := p.next()
	if response.Kind != envelope.KindResponse || response.ID != id {
		p.t.Fatalf("expected response to %d, got %+v", id, response)
	}
	return response
}

// answer reads one forwarded command and replies with result.
func (p *peer) answer(result string) *envelope.Envelope {
	p.t.Helper()
	command := p.next()
	if command.Kind != envelope.KindCommand {
		p.t.Fatalf("upstream expected a command, got %+v", command)
	}
	p.send(envelope.NewResult(command.ID, command.SessionID, json.RawMessage(result)))
	return command
}

func (p *peer) requireClosed() transport.CloseInfo {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.closed, waitTimeout, "waiting for connection to close")
}

func requireErrorCode(t *testing.T, response *envelope.Envelope, code int) {
	t.Helper()
	if response.Error == nil {
		t.Fatalf("expected error code %d, got result %s", code, response.Result)
	}
	if response.Error.Code != code {
		t.Fatalf("error code = %d (%s), want %d", response.Error.Code, response.Error.Message, code)
	}
}

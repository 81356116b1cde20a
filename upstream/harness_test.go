// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
	"github.com/bureau-foundation/cdprelay/transport"
	"github.com/bureau-foundation/cdprelay/upstream"
	"github.com/bureau-foundation/cdprelay/upstream/nativetest"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRelay accepts adapter connections and hands them to the test,
// which plays the hub's side of the protocol by hand.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	accepted chan *relayPeer
	refuse   atomic.Bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{t: t, accepted: make(chan *relayPeer, 16)}
	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if relay.refuse.Load() {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := transport.Upgrade(w, r, transport.Options{Logger: testLogger()})
		if err != nil {
			return
		}
		peer := &relayPeer{
			t:       t,
			conn:    conn,
			frames:  make(chan *envelope.Envelope, 1024),
			closed:  make(chan transport.CloseInfo, 1),
			release: make(chan struct{}),
		}
		go func() {
			peer.closed <- conn.ReadLoop(func(data []byte) {
				if peer.stalled.Load() {
					<-peer.release
				}
				decoded, err := envelope.Decode(data)
				if err != nil {
					t.Errorf("relay received malformed frame %s: %v", data, err)
					return
				}
				peer.frames <- decoded
			})
		}()
		relay.accepted <- peer
	}))
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/extension"
}

func (r *fakeRelay) accept() *relayPeer {
	r.t.Helper()
	peer := testutil.RequireReceive(r.t, r.accepted, waitTimeout, "waiting for the adapter to connect")
	r.t.Cleanup(func() {
		peer.conn.Close(1000, "")
		peer.releaseOnce.Do(func() { close(peer.release) })
	})
	return peer
}

type relayPeer struct {
	t      *testing.T
	conn   *transport.Conn
	frames chan *envelope.Envelope
	closed chan transport.CloseInfo

	stalled     atomic.Bool
	release     chan struct{}
	releaseOnce sync.Once
}

// stall stops the relay side from reading, so the adapter's writes back
// up into its send queue.
func (p *relayPeer) stall() { p.stalled.Store(true) }

func (p *relayPeer) next() *envelope.Envelope {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.frames, waitTimeout, "waiting for a frame from the adapter")
}

func (p *relayPeer) send(e *envelope.Envelope) {
	p.t.Helper()
	if err := p.conn.SendEnvelope(e); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

// expectInfo reads connection_info and returns the root session id it
// announces.
func (p *relayPeer) expectInfo() string {
	p.t.Helper()
	info := p.next()
	if info.Kind != envelope.KindControl || info.Control.Type != envelope.ControlConnectionInfo {
		p.t.Fatalf("expected connection_info, got %+v", info)
	}
	if len(info.Control.TargetInfo) == 0 {
		p.t.Fatal("connection_info carries no targetInfo")
	}
	if info.Control.AdapterVersion == "" {
		p.t.Fatal("connection_info carries no adapterVersion")
	}
	return info.Control.SessionID
}

func (p *relayPeer) ack(rootID string) {
	p.t.Helper()
	p.send(envelope.NewControl(envelope.Control{
		Type:         envelope.ControlConnectionAck,
		SessionID:    rootID,
		RelayVersion: "0.3.0",
	}))
}

// handshake completes the handshake and returns the root session id.
func (p *relayPeer) handshake() string {
	p.t.Helper()
	rootID := p.expectInfo()
	p.ack(rootID)
	return rootID
}

func (p *relayPeer) call(id int64, sessionID, method string) *envelope.Envelope {
	p.t.Helper()
	p.send(envelope.NewCommand(id, sessionID, method, nil))
	response := p.next()
	if response.Kind != envelope.KindResponse || response.ID != id {
		p.t.Fatalf("expected response to %d, got %+v", id, response)
	}
	if response.SessionID != sessionID {
		p.t.Fatalf("response session = %q, want %q", response.SessionID, sessionID)
	}
	return response
}

func (p *relayPeer) expectControl(controlType envelope.ControlType) *envelope.Control {
	p.t.Helper()
	message := p.next()
	if message.Kind != envelope.KindControl || message.Control.Type != controlType {
		p.t.Fatalf("expected %s, got %+v", controlType, message)
	}
	return message.Control
}

func (p *relayPeer) expectEvent(method string) *envelope.Envelope {
	p.t.Helper()
	message := p.next()
	if message.Kind != envelope.KindEvent || message.Method != method {
		p.t.Fatalf("expected %s event, got %+v", method, message)
	}
	return message
}

func (p *relayPeer) requireClosed() transport.CloseInfo {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.closed, waitTimeout, "waiting for the adapter to close")
}

type harness struct {
	t        *testing.T
	relay    *fakeRelay
	debugger *nativetest.Debugger
	clock    *clock.FakeClock
	adapter  *upstream.Adapter
	cancel   context.CancelFunc
	stopped  chan struct{}
}

func newHarness(t *testing.T, handler nativetest.Handler, configure func(*upstream.Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		relay:    newFakeRelay(t),
		debugger: nativetest.NewDebugger(handler),
		clock:    clock.Fake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		stopped:  make(chan struct{}),
	}
	var sequence atomic.Int64
	config := upstream.Config{
		RelayURL:          h.relay.url(),
		Debugger:          h.debugger,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Second,
		AckTimeout:        5 * time.Second,
		NewSessionID:      func() string { return fmt.Sprintf("root-%d", sequence.Add(1)) },
		Transport:         transport.Options{Logger: testLogger()},
		Clock:             h.clock,
		Logger:            testLogger(),
	}
	if configure != nil {
		configure(&config)
	}
	h.adapter = upstream.New(config)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.adapter.Run(ctx)
		close(h.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})
	return h
}

type attachReply struct {
	sessionID string
	err       error
}

// requestAttach starts an attach; the caller plays the relay's side.
func (h *harness) requestAttach() <-chan attachReply {
	replies := make(chan attachReply, 1)
	go func() {
		sessionID, err := h.adapter.RequestAttach(context.Background(), upstream.TargetDescriptor{URL: "about:blank"})
		replies <- attachReply{sessionID: sessionID, err: err}
	}()
	return replies
}

// attach runs a successful attach and returns the relay peer, the
// native tab and the root session id.
func (h *harness) attach() (*relayPeer, *nativetest.Native, string) {
	h.t.Helper()
	replies := h.requestAttach()
	peer := h.relay.accept()
	native := testutil.RequireReceive(h.t, h.debugger.Attached(), waitTimeout, "waiting for the native attach")
	rootID := peer.handshake()
	reply := testutil.RequireReceive(h.t, replies, waitTimeout, "waiting for RequestAttach")
	if reply.err != nil {
		h.t.Fatalf("RequestAttach: %v", reply.err)
	}
	if reply.sessionID != rootID {
		h.t.Fatalf("RequestAttach returned %q, handshake announced %q", reply.sessionID, rootID)
	}
	return peer, native, rootID
}

func (h *harness) status() upstream.Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	status, err := h.adapter.Status(ctx)
	if err != nil {
		h.t.Fatalf("Status: %v", err)
	}
	return status
}

func (h *harness) waitForState(state upstream.State) {
	h.t.Helper()
	testutil.Eventually(h.t, waitTimeout, func() bool { return h.adapter.State() == state },
		"waiting for state %s (have %s)", state, h.adapter.State())
}

func decodeResult(t *testing.T, response *envelope.Envelope) map[string]string {
	t.Helper()
	if response.Error != nil {
		t.Fatalf("unexpected error response: %d %s", response.Error.Code, response.Error.Message)
	}
	var result map[string]string
	if err := json.Unmarshal(response.Result, &result); err != nil {
		t.Fatalf("decoding result %s: %v", response.Result, err)
	}
	return result
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
)

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// pair starts an httptest server that upgrades one connection and
// returns both ends.
func pair(t *testing.T) (client, server *Conn) {
	t.Helper()
	return pairWith(t, Options{
		Logger: testOptions().Logger,
		Dialer: &TCPDialer{Timeout: 5 * time.Second},
	})
}

// pairWith is pair with explicit options for the dialing side.
func pairWith(t *testing.T, clientOptions Options) (client, server *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, testOptions())
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client, err := Dial(context.Background(), url, clientOptions)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server = testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for server side of connection")
	t.Cleanup(func() {
		client.Close(websocket.CloseNormalClosure, "")
		server.Close(websocket.CloseNormalClosure, "")
	})
	return client, server
}

// readInto runs conn.ReadLoop on its own goroutine, forwarding frames
// and the final CloseInfo to channels.
func readInto(conn *Conn) (<-chan []byte, <-chan CloseInfo) {
	frames := make(chan []byte, 64)
	closed := make(chan CloseInfo, 1)
	go func() {
		closed <- conn.ReadLoop(func(data []byte) { frames <- data })
	}()
	return frames, closed
}

func TestConnDeliversInOrder(t *testing.T) {
	client, server := pair(t)
	frames, _ := readInto(server)

	for i := 0; i < 20; i++ {
		if err := client.SendEnvelope(envelope.NewCommand(int64(i), "", "Page.navigate", nil)); err != nil {
			t.Fatalf("SendEnvelope(%d): %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		data := testutil.RequireReceive(t, frames, 5*time.Second, "waiting for frame %d", i)
		decoded, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if decoded.ID != int64(i) {
			t.Fatalf("frame %d has id %d", i, decoded.ID)
		}
	}
}

func TestConnRemoteCloseCodes(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		clean bool
	}{
		{"normal", websocket.CloseNormalClosure, true},
		{"going away", websocket.CloseGoingAway, true},
		{"handshake timeout", CloseHandshakeTimeout, false},
		{"try again later", websocket.CloseTryAgainLater, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client, server := pair(t)
			_, clientClosed := readInto(client)
			_, serverClosed := readInto(server)

			server.Close(test.code, "bye")

			info := testutil.RequireReceive(t, clientClosed, 5*time.Second, "waiting for client close")
			if info.Code != test.code || info.Clean != test.clean || info.Local {
				t.Errorf("client CloseInfo = %+v, want code %d clean %v remote", info, test.code, test.clean)
			}
			if info.Reason != "bye" {
				t.Errorf("Reason = %q, want \"bye\"", info.Reason)
			}

			local := testutil.RequireReceive(t, serverClosed, 5*time.Second, "waiting for server close")
			if !local.Local || local.Code != test.code {
				t.Errorf("server CloseInfo = %+v, want local code %d", local, test.code)
			}
			testutil.RequireClosed(t, client.Done(), 5*time.Second, "client Done")
		})
	}
}

func TestConnAbnormalClose(t *testing.T) {
	client, server := pair(t)
	_, clientClosed := readInto(client)

	// Drop the TCP connection without a close frame.
	server.ws.UnderlyingConn().Close()

	info := testutil.RequireReceive(t, clientClosed, 5*time.Second, "waiting for client close")
	if info.Clean || info.Code != websocket.CloseAbnormalClosure {
		t.Errorf("CloseInfo = %+v, want abnormal", info)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	client, _ := pair(t)
	client.Close(websocket.CloseNormalClosure, "")
	if err := client.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestConnSendQueueFull(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- raw
	}))
	defer httpServer.Close()

	// The server never reads, so once the socket buffers fill the write
	// pump blocks and the one-slot queue overflows.
	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(httpServer.URL, "http"), Options{
		SendQueueSize: 1,
		WriteTimeout:  time.Minute,
		Logger:        testOptions().Logger,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	raw := testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for server")
	defer raw.Close()
	defer client.Close(websocket.CloseNormalClosure, "")

	payload := make([]byte, 1<<20)
	testutil.Eventually(t, 10*time.Second, func() bool {
		return errors.Is(client.Send(payload), ErrQueueFull)
	}, "Send never reported ErrQueueFull against a stalled peer")
}

func TestConnAbortSendsCloseFrame(t *testing.T) {
	client, server := pair(t)
	_, serverClosed := readInto(server)
	_, clientClosed := readInto(client)

	client.Abort(websocket.CloseInternalServerErr, "response queue full")
	if err := client.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Abort = %v, want ErrClosed", err)
	}

	info := testutil.RequireReceive(t, serverClosed, 5*time.Second, "waiting for server to see the close")
	if info.Code != websocket.CloseInternalServerErr || info.Reason != "response queue full" {
		t.Errorf("server saw %v, want 1011 \"response queue full\"", info)
	}
	local := testutil.RequireReceive(t, clientClosed, 5*time.Second, "waiting for client teardown")
	if !local.Local || local.Code != websocket.CloseInternalServerErr || local.Clean {
		t.Errorf("client CloseInfo = %+v, want local unclean 1011", local)
	}
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "client Done after Abort")
}

func TestConnPingsFollowInjectedClock(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	client, server := pairWith(t, Options{
		PingInterval: time.Hour,
		Clock:        fake,
		Logger:       testOptions().Logger,
	})

	pings := make(chan struct{}, 8)
	server.ws.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return nil
	})
	readInto(server)
	readInto(client)

	fake.WaitForTimers(1)
	select {
	case <-pings:
		t.Fatal("ping sent before the clock advanced")
	case <-time.After(50 * time.Millisecond):
	}

	fake.Advance(time.Hour)
	testutil.RequireReceive(t, pings, 5*time.Second, "waiting for first ping")
	fake.Advance(time.Hour)
	testutil.RequireReceive(t, pings, 5*time.Second, "waiting for second ping")
}

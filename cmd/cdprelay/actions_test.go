// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
	"github.com/bureau-foundation/cdprelay/relay"
)

type fakeHub struct {
	status       relay.Status
	disconnected []relay.Role
	connected    bool
}

func (h *fakeHub) Status(context.Context) (relay.Status, error) { return h.status, nil }

func (h *fakeHub) Disconnect(_ context.Context, role relay.Role) (bool, error) {
	h.disconnected = append(h.disconnected, role)
	return h.connected, nil
}

func startControl(t *testing.T, hub hubControl) *control.Client {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "cdprelay.sock")
	server := control.NewServer(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	registerActions(server, hub)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	stopped := make(chan error, 1)
	go func() { stopped <- server.Serve(ctx, ready) }()
	testutil.RequireClosed(t, ready, 5*time.Second, "control socket listening")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, stopped, 5*time.Second, "control socket stopped")
	})
	return control.NewClient(socketPath)
}

func TestStatusAction(t *testing.T) {
	hub := &fakeHub{status: relay.Status{Pending: 3, ChildSessions: 2}}
	client := startControl(t, hub)

	var status struct {
		Pending       int `cbor:"pending"`
		ChildSessions int `cbor:"child_sessions"`
	}
	if err := client.Call(context.Background(), "status", nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pending != 3 || status.ChildSessions != 2 {
		t.Errorf("status = %+v, want pending 3 and 2 child sessions", status)
	}
}

func TestDisconnectAction(t *testing.T) {
	hub := &fakeHub{connected: true}
	client := startControl(t, hub)

	var response disconnectResponse
	err := client.Call(context.Background(), "disconnect", map[string]any{"role": "upstream"}, &response)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !response.Disconnected || response.Role != "upstream" {
		t.Errorf("response = %+v", response)
	}
	if len(hub.disconnected) != 1 || hub.disconnected[0] != relay.RoleUpstream {
		t.Errorf("hub saw %v, want [upstream]", hub.disconnected)
	}
}

func TestDisconnectActionRejectsUnknownRole(t *testing.T) {
	hub := &fakeHub{}
	client := startControl(t, hub)

	err := client.Call(context.Background(), "disconnect", map[string]any{"role": "sideways"}, nil)
	var actionError *control.ActionError
	if !errors.As(err, &actionError) {
		t.Fatalf("err = %v, want *control.ActionError", err)
	}
	if len(hub.disconnected) != 0 {
		t.Errorf("hub was asked to disconnect %v", hub.disconnected)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/lib/testutil"
)

type hubStatus struct {
	Pending       int            `cbor:"pending"`
	ChildSessions int            `cbor:"child_sessions"`
	Upstream      map[string]any `cbor:"upstream"`
}

func serveControl(t *testing.T, register func(*control.Server)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "ctl.sock")
	server := control.NewServer(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	stopped := make(chan error, 1)
	go func() { stopped <- server.Serve(ctx, ready) }()
	testutil.RequireClosed(t, ready, 5*time.Second, "control socket listening")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, stopped, 5*time.Second, "control socket stopped")
	})
	return socketPath
}

func statusServer(server *control.Server) {
	server.Handle("status", func(context.Context, []byte) (any, error) {
		return hubStatus{
			Pending:       2,
			ChildSessions: 1,
			Upstream:      map[string]any{"state": "active"},
		}, nil
	})
}

func TestStatusTable(t *testing.T) {
	socketPath := serveControl(t, statusServer)

	var stdout bytes.Buffer
	if err := rootCommand(&stdout).Execute([]string{"status", "--socket", socketPath}); err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), stdout.String())
	}
	wantPrefixes := []string{"child_sessions", "pending", "upstream"}
	for i, prefix := range wantPrefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
	if !strings.HasSuffix(lines[2], `{"state":"active"}`) {
		t.Errorf("nested value not rendered as JSON: %q", lines[2])
	}
}

func TestStatusJSON(t *testing.T) {
	socketPath := serveControl(t, statusServer)

	var stdout bytes.Buffer
	if err := rootCommand(&stdout).Execute([]string{"status", "--socket", socketPath, "--json"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if decoded["pending"] != float64(2) {
		t.Errorf("pending = %v, want 2", decoded["pending"])
	}
}

func TestDisconnectCommand(t *testing.T) {
	var gotRole string
	socketPath := serveControl(t, func(server *control.Server) {
		server.Handle("disconnect", func(_ context.Context, raw []byte) (any, error) {
			var request struct {
				Role string `cbor:"role"`
			}
			if err := control.Decode(raw, &request); err != nil {
				return nil, err
			}
			gotRole = request.Role
			return map[string]any{"role": request.Role, "disconnected": false}, nil
		})
	})

	var stdout bytes.Buffer
	if err := rootCommand(&stdout).Execute([]string{"disconnect", "--socket", socketPath, "downstream"}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if gotRole != "downstream" {
		t.Errorf("server saw role %q", gotRole)
	}
	if got := strings.TrimSpace(stdout.String()); got != "no downstream connection" {
		t.Errorf("output = %q", got)
	}

	if err := rootCommand(&stdout).Execute([]string{"disconnect", "--socket", socketPath}); err == nil {
		t.Error("disconnect without a role succeeded")
	}
}

func TestActionFailureIsReturned(t *testing.T) {
	socketPath := serveControl(t, func(*control.Server) {})

	err := rootCommand(io.Discard).Execute([]string{"detach", "--socket", socketPath})
	if err == nil || !strings.Contains(err.Error(), `unknown action "detach"`) {
		t.Errorf("err = %v, want unknown action", err)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(`{
		// evaluated in the page
		"expression": "1 + 1",
	}`)
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(params, &decoded); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if decoded["expression"] != "1 + 1" {
		t.Errorf("expression = %q", decoded["expression"])
	}

	if _, err := parseParams(`[1, 2]`); err == nil {
		t.Error("array params accepted")
	}
}

func TestVersionAndUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	if err := rootCommand(&stdout).Execute([]string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "cdprelay-ctl ") || !strings.Contains(stdout.String(), "Go: ") {
		t.Errorf("version output = %q", stdout.String())
	}

	err := rootCommand(io.Discard).Execute([]string{"stauts"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "status"`) {
		t.Errorf("err = %v, want a suggestion for status", err)
	}
}

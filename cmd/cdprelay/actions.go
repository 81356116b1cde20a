// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/relay"
)

type disconnectRequest struct {
	Role string `cbor:"role"`
}

type disconnectResponse struct {
	Role         string `cbor:"role"`
	Disconnected bool   `cbor:"disconnected"`
}

// hubControl is the part of the hub the control socket drives.
type hubControl interface {
	Status(ctx context.Context) (relay.Status, error)
	Disconnect(ctx context.Context, role relay.Role) (bool, error)
}

func registerActions(server *control.Server, hub hubControl) {
	server.Handle("status", func(ctx context.Context, _ []byte) (any, error) {
		return hub.Status(ctx)
	})

	server.Handle("disconnect", func(ctx context.Context, raw []byte) (any, error) {
		var request disconnectRequest
		if err := control.Decode(raw, &request); err != nil {
			return nil, err
		}
		role, err := relay.ParseRole(request.Role)
		if err != nil {
			return nil, err
		}
		disconnected, err := hub.Disconnect(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("disconnecting %s: %w", role, err)
		}
		return disconnectResponse{Role: string(role), Disconnected: disconnected}, nil
	})
}

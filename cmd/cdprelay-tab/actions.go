// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/upstream"
)

type attachResponse struct {
	SessionID string `cbor:"session_id"`
	Target    string `cbor:"target"`
}

type detachResponse struct {
	Detached bool `cbor:"detached"`
}

// adapterControl is the part of the adapter the control socket drives.
type adapterControl interface {
	RequestAttach(ctx context.Context, target upstream.TargetDescriptor) (string, error)
	RequestDetach(ctx context.Context) error
	Status(ctx context.Context) (upstream.Status, error)
}

func registerActions(server *control.Server, adapter adapterControl) {
	server.Handle("attach", func(ctx context.Context, raw []byte) (any, error) {
		var target upstream.TargetDescriptor
		if err := control.Decode(raw, &target); err != nil {
			return nil, err
		}
		sessionID, err := adapter.RequestAttach(ctx, target)
		if err != nil {
			return nil, err
		}
		return attachResponse{SessionID: sessionID, Target: target.String()}, nil
	})

	server.Handle("detach", func(ctx context.Context, _ []byte) (any, error) {
		if err := adapter.RequestDetach(ctx); err != nil {
			return nil, err
		}
		return detachResponse{Detached: true}, nil
	})

	server.Handle("status", func(ctx context.Context, _ []byte) (any, error) {
		return adapter.Status(ctx)
	})
}

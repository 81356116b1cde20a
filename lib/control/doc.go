// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the operator control plane shared by the relay
// binaries: a CBOR request-response protocol on a Unix socket.
//
// Each connection carries exactly one exchange. The client writes one
// CBOR map with an "action" field plus action-specific fields; the
// server answers with {ok, error?, data?} and closes the connection.
// CBOR is self-delimiting, so no framing is needed.
//
// The hub registers "status" and "disconnect"; the tab adapter
// registers "attach", "detach" and "status". cdprelay-ctl is the
// client.
package control

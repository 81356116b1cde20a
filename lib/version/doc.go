// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the relay
// binaries and the wire version exchanged in the upstream handshake.
//
// Build variables are injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/cdprelay/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// The upstream adapter sends [Short] as adapterVersion in
// connection_info and the hub answers with its own [Short] in
// connection_ack. [Compatible] decides whether the two ends speak the
// same relay wire protocol.
package version

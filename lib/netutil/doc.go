// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network I/O helpers shared by the relay's
// WebSocket peers.
//
// [IsExpectedCloseError] separates normal teardown (EOF, closed socket,
// reset peer, WebSocket close 1000/1001) from faults worth logging at
// Error. [IsCleanClose] is narrower: it answers whether the peer ended
// the WebSocket deliberately, which is what the upstream adapter uses
// to choose between Disconnected and Reconnecting.
//
// [DecodeResponse] bounds HTTP JSON reads (the DevTools /json/version
// discovery call) at [MaxResponseSize].
package netutil

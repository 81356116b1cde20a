// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for relay packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken routing path fails the test instead of
// hanging it. [Eventually] polls state that a routing loop publishes
// without a channel to wait on. Unit tests drive everything
// time-dependent in the code under test with a fake clock; these
// helpers only bound how long a test may wait.
//
// [SocketDir] returns a short directory under /tmp for control
// sockets, since Unix socket paths are limited to 108 bytes.
package testutil

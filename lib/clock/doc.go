// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the relay's injectable time source.
//
// Every timer in the relay goes through a [Clock]: the hub's handshake
// grace period, the upstream adapter's acknowledgment timeout and
// reconnect delay, the transport keepalive ticker, and the issuedAt
// stamp on pending commands. Production code passes [Real]; tests pass
// [Fake] and drive time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	adapter := upstream.New(upstream.Config{Clock: fake, ...})
//	// ... provoke a reconnect ...
//	fake.WaitForTimers(1)          // the retry delay is registered
//	fake.Advance(time.Second)      // the retry fires
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it, so tests never sleep on wall time.
package clock

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog is the relay's observability channel: structured
// records for every connection state transition, dropped message, and
// routing failure.
//
// The hub's routing loop and the upstream adapter's state machine must
// never block on logging, so [Emitter.Emit] only enqueues onto a
// bounded channel. A single drain goroutine hands each [Event] to slog
// (and to an optional [Config.Observer], which tests use to assert on
// transitions). When the queue is full the event is discarded and
// counted in [Stats.Discarded]; it is never retried.
//
// A nil *Emitter is valid and discards everything, so components can
// be constructed without one in tests that do not care.
package eventlog

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cdp attaches to tabs through a Chrome DevTools endpoint. It
// is the tab adapter's native debugging transport: [Debugger]
// implements [upstream.Debugger] and every attached [Tab] implements
// [upstream.Native].
//
// Each attach opens its own browser-level WebSocket, resolves the
// target (Target.getTargets, optionally Target.createTarget), and
// attaches with Target.attachToTarget in flattened mode. Commands for
// the tab travel on the flattened session; the tab's own events are
// delivered with an empty session id and child sessions keep the ids
// the browser assigned them.
package cdp

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cdprelay-tab is the upstream adapter. It attaches to one page target
// of a Chrome DevTools endpoint, connects to the relay's upstream
// surface, and carries commands and events between the two until the
// tab goes away or it is told to detach.
//
// With --target-id, --url, or --create the adapter attaches as soon as
// it starts. Otherwise it idles until cdprelay-ctl sends "attach" on
// the control socket. An abnormal relay close triggers up to
// --reconnect-attempts reconnects, --reconnect-delay apart; when they
// are exhausted the process exits non-zero.
package main

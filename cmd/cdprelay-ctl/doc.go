// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cdprelay-ctl is the operator CLI for a running relay and tab adapter.
//
//	cdprelay-ctl status              hub connections, sessions, counters
//	cdprelay-ctl status --tab        adapter state, root session, buffer
//	cdprelay-ctl attach --url URL    attach the adapter to a tab
//	cdprelay-ctl detach              detach the adapter cleanly
//	cdprelay-ctl disconnect ROLE     force-close upstream or downstream
//	cdprelay-ctl call METHOD [JSON]  send one CDP command downstream
//
// Socket paths and the downstream URL default to the values in the
// configuration file (--config, else CDPRELAY_CONFIG, else built-in
// defaults).
package main

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cdprelay is the relay hub. It listens on two WebSocket surfaces: the
// upstream surface, where one tab adapter connects and completes the
// connection_info handshake, and the downstream surface, where one
// automation client connects and speaks CDP as if to a browser.
// Commands are routed by session id from downstream to upstream;
// responses come back by hub-assigned id; events are stamped with
// their session and fanned out downstream.
//
// Usage:
//
//	cdprelay [--config FILE] [--upstream-listen ADDR] [--downstream-listen ADDR]
//	         [--control-socket PATH] [--handshake-timeout DURATION] [--verbose]
//
// Configuration comes from --config, else CDPRELAY_CONFIG, else the
// built-in defaults; flags override individual values. The control
// socket answers "status" and "disconnect" for cdprelay-ctl.
//
// The hub runs until SIGINT or SIGTERM, closing both connections with
// 1001 (going away).
package main

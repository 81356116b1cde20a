// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope is the wire codec shared by every relay connection.
//
// Each WebSocket text frame carries one JSON object in one of four
// shapes, distinguished by which fields are present:
//
//	command   {"id":1,"sessionId":"S","method":"M","params":{...}}
//	response  {"id":1,"sessionId":"S","result":{...}}  or  {"id":1,"error":{...}}
//	event     {"sessionId":"S","method":"M","params":{...}}
//	control   {"type":"connection_info","sessionId":"S",...}
//
// An absent or empty sessionId addresses the root session. Method names
// and params are opaque: the relay never interprets them beyond the few
// browser-level methods the hub answers itself.
//
// [Decode] never panics. Malformed input yields a [*DecodeError], which
// carries the command id when one could be salvaged so the caller can
// bounce an error response instead of silently dropping the frame.
//
// errors.go holds the relay error taxonomy. A wire [*Error] unwraps to
// the matching sentinel by code, so callers test with errors.Is
// regardless of whether the error was produced locally or received from
// the peer.
package envelope

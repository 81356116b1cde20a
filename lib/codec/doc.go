// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration used on the relay's
// control sockets.
//
// The relay has two serialization formats with a fixed boundary: the
// CDP envelopes on the WebSocket surfaces are JSON (that is what
// browsers and automation clients speak), and the operator control
// plane between cdprelay-ctl and the hub or tab adapter is CBOR. This
// package is the only importer of fxamacker/cbor; everything else goes
// through Marshal, Unmarshal, NewEncoder and NewDecoder so that every
// control message is encoded identically (Core Deterministic Encoding,
// RFC 8949 section 4.2).
//
// Types that are only ever sent on a control socket use `cbor` struct
// tags. Types that are also printed as JSON by the CLI use `json` tags,
// which the CBOR library honors as a fallback.
package codec

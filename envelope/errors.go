// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Relay error sentinels.
var (
	// ErrMalformedPayload means a frame could not be decoded as an
	// envelope.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrSessionNotFound means a command named a session the hub does
	// not know.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoUpstream means a root-addressed command arrived while no tab
	// connection is active.
	ErrNoUpstream = errors.New("no upstream connection")

	// ErrConnectionClosed fails every command still pending when the
	// connection it was forwarded on closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHandshakeTimeout means an upstream did not send connection_info
	// within the grace period.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrRelayUnavailable is returned by clients that have no live
	// connection to the relay. It is never sent on the wire.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrTimeout is returned by clients when the caller's deadline
	// passes before a response arrives. It is never sent on the wire.
	ErrTimeout = errors.New("timeout")
)

// Wire error codes. The relay's own codes sit in the JSON-RPC
// implementation-defined range; anything else is a native protocol
// error passed through unchanged.
const (
	CodeMalformedPayload = -32700
	CodeInternal         = -32603
	CodeSessionNotFound  = -32001
	CodeNoUpstream       = -32002
	CodeConnectionClosed = -32003
	CodeHandshakeTimeout = -32004
)

var codeSentinels = map[int]error{
	CodeMalformedPayload: ErrMalformedPayload,
	CodeSessionNotFound:  ErrSessionNotFound,
	CodeNoUpstream:       ErrNoUpstream,
	CodeConnectionClosed: ErrConnectionClosed,
	CodeHandshakeTimeout: ErrHandshakeTimeout,
}

// Error is the error member of a response envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap returns the relay sentinel for the error's code, or nil for
// codes the relay did not originate.
func (e *Error) Unwrap() error {
	return codeSentinels[e.Code]
}

// NewError builds a wire error for one of the relay sentinels. detail,
// when non-empty, is appended to the sentinel's message.
func NewError(sentinel error, detail string) *Error {
	message := sentinel.Error()
	if detail != "" {
		message += ": " + detail
	}
	return &Error{Code: codeFor(sentinel), Message: message}
}

// ErrorFrom converts any error into a wire error. A *Error anywhere in
// the chain is returned as is; relay sentinels map to their codes;
// everything else becomes an internal error.
func ErrorFrom(err error) *Error {
	var wireError *Error
	if errors.As(err, &wireError) {
		return wireError
	}
	return &Error{Code: codeFor(err), Message: err.Error()}
}

func codeFor(err error) int {
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// DecodeError reports a frame that is not a valid envelope.
type DecodeError struct {
	// Reason describes what was wrong.
	Reason string

	// ID is the command id recovered from the frame. Valid only when
	// HasID is true.
	ID    int64
	HasID bool
}

func (e *DecodeError) Error() string {
	if e.HasID {
		return fmt.Sprintf("malformed payload (id %d): %s", e.ID, e.Reason)
	}
	return "malformed payload: " + e.Reason
}

// Unwrap makes every DecodeError match ErrMalformedPayload.
func (e *DecodeError) Unwrap() error { return ErrMalformedPayload }

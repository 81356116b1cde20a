// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, connection reset,
// or a WebSocket close frame with a normal or going-away code.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if IsCleanClose(err) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsCleanClose reports whether err carries a WebSocket close frame with
// code 1000 (normal closure) or 1001 (going away). An abnormal closure
// (1006), a reset, or an application close code is not clean.
func IsCleanClose(err error) bool {
	var closeError *websocket.CloseError
	if !errors.As(err, &closeError) {
		return false
	}
	return closeError.Code == websocket.CloseNormalClosure ||
		closeError.Code == websocket.CloseGoingAway
}

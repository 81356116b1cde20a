// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON response body reads: 4 MB. DevTools
// discovery documents are a few hundred bytes; the bound only guards
// against a misbehaving endpoint.
const MaxResponseSize int64 = 4 << 20

// DecodeResponse reads up to MaxResponseSize bytes of body and decodes
// them as JSON into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// ErrorBody reads an HTTP error response body for diagnostics. Read
// errors are ignored; a partial body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}

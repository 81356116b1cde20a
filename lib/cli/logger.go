// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/cdprelay/lib/config"
)

// NewLogger builds the process logger from the logging section of the
// configuration. verbose forces Debug. Format "text" or "json" picks
// the handler; when empty, text is used on a terminal and JSON when
// stderr is piped or redirected.
func NewLogger(logging config.LoggingConfig, verbose bool) (*slog.Logger, error) {
	level, err := logging.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	return newLogger(os.Stderr, logging.Format, level, term.IsTerminal(int(os.Stderr.Fd()))), nil
}

func newLogger(w io.Writer, format string, level slog.Level, terminal bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	switch {
	case format == "json", format == "" && !terminal:
		return slog.New(slog.NewJSONHandler(w, options))
	default:
		return slog.New(slog.NewTextHandler(w, options))
	}
}

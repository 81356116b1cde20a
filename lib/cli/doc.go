// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework shared by the relay
// binaries: a pflag-based command tree with did-you-mean suggestions,
// logger construction from configuration, exit-code errors, and
// terminal-aware output helpers.
package cli

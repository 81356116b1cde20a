// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the relay hub and
// the upstream adapter.
//
// Configuration is loaded from a single file specified by either the
// CDPRELAY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files ending in .json or .jsonc are read as JSON with
// comments and trailing commas (normalized by tidwall/jsonc); anything
// else is YAML.
//
// The file may contain environment-specific sections (development,
// production) whose keys are layered over the base values when
// [Config].Environment matches. Only keys present in the section
// override; everything else keeps its base or default value.
//
// ${HOME}, ${XDG_RUNTIME_DIR} and ${VAR:-default} patterns are
// expanded in socket path fields after loading. Command-line flags are
// applied by the binaries on top of the loaded file.
//
// Key exports:
//
//   - [Config] -- master struct with Relay, Upstream, Logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- a time.Duration that reads "5s"-style strings
package config

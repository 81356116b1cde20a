// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strconv"
	"strings"
)

// Compatible reports whether a peer advertising remote speaks the same
// relay wire protocol as local. Versions are compatible when their
// major components match and, for 0.x releases, their minor components
// match too. An empty or unparseable remote version is treated as
// incompatible; the hub still accepts such peers but logs a warning.
func Compatible(local, remote string) bool {
	localMajor, localMinor, ok := majorMinor(local)
	if !ok {
		return false
	}
	remoteMajor, remoteMinor, ok := majorMinor(remote)
	if !ok {
		return false
	}
	if localMajor != remoteMajor {
		return false
	}
	if localMajor == 0 {
		return localMinor == remoteMinor
	}
	return true
}

// majorMinor parses "v1.2.3-dev" style strings.
func majorMinor(version string) (major, minor int, ok bool) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if index := strings.IndexAny(version, "-+"); index >= 0 {
		version = version[:index]
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

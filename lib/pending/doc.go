// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pending correlates outstanding requests with their replies.
//
// A [Table] maps request ids to completion handlers. Each id is
// resolved or rejected at most once: the first Resolve, Reject, Cancel
// or FailAll removes the entry, and later calls for the same id are
// no-ops that report false. Unknown ids are logged at Debug and
// otherwise ignored, which is how late replies after a connection loss
// are discarded.
//
// Handlers run outside the table's lock, on the goroutine that
// resolved the entry.
package pending

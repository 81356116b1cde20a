// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pending

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/cdprelay/lib/clock"
)

type entry[R any] struct {
	issuedAt time.Time
	deliver  func(R, error)
}

// Table tracks in-flight requests whose replies carry a value of type R.
type Table[R any] struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry[R]
	nextID  int64
}

// New creates an empty table. A nil clock means clock.Real(); a nil
// logger means slog.Default().
func New[R any](clk clock.Clock, logger *slog.Logger) *Table[R] {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table[R]{
		clock:   clk,
		logger:  logger,
		entries: make(map[int64]*entry[R]),
	}
}

// NextID returns a fresh id, unique for the life of the table. Ids
// start at 1 and increase monotonically.
func (t *Table[R]) NextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// RegisterFunc records id with a completion callback. Registering an
// id that is already outstanding is a programming error and panics;
// use TryRegisterFunc for ids chosen by a peer.
func (t *Table[R]) RegisterFunc(id int64, deliver func(R, error)) {
	if !t.TryRegisterFunc(id, deliver) {
		panic(fmt.Sprintf("pending: id %d registered twice", id))
	}
}

// TryRegisterFunc is RegisterFunc for ids that arrive off the wire. It
// reports false, leaving the outstanding entry untouched, when id is
// already registered.
func (t *Table[R]) TryRegisterFunc(id int64, deliver func(R, error)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return false
	}
	t.entries[id] = &entry[R]{issuedAt: t.clock.Now(), deliver: deliver}
	return true
}

// Register records id and returns a Waiter for its outcome.
func (t *Table[R]) Register(id int64) *Waiter[R] {
	waiter := &Waiter[R]{table: t, id: id, done: make(chan outcome[R], 1)}
	t.RegisterFunc(id, func(value R, err error) {
		waiter.done <- outcome[R]{value: value, err: err}
	})
	return waiter
}

// Resolve completes id with a value. It reports whether id was
// outstanding.
func (t *Table[R]) Resolve(id int64, value R) bool {
	e := t.take(id)
	if e == nil {
		t.logger.Debug("reply for unknown request id", "id", id)
		return false
	}
	e.deliver(value, nil)
	return true
}

// Reject completes id with an error. It reports whether id was
// outstanding.
func (t *Table[R]) Reject(id int64, err error) bool {
	e := t.take(id)
	if e == nil {
		t.logger.Debug("rejection for unknown request id", "id", id, "error", err)
		return false
	}
	var zero R
	e.deliver(zero, err)
	return true
}

// Cancel removes id without invoking its handler.
func (t *Table[R]) Cancel(id int64) bool {
	return t.take(id) != nil
}

// FailAll rejects every outstanding entry with err and returns how many
// there were. Handlers are invoked in ascending id order.
func (t *Table[R]) FailAll(err error) int {
	t.mu.Lock()
	taken := t.entries
	t.entries = make(map[int64]*entry[R])
	t.mu.Unlock()

	ids := make([]int64, 0, len(taken))
	for id := range taken {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var zero R
	for _, id := range ids {
		taken[id].deliver(zero, err)
	}
	return len(ids)
}

// Len returns the number of outstanding entries.
func (t *Table[R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Oldest returns how long the oldest outstanding entry has been
// waiting, or zero when the table is empty.
func (t *Table[R]) Oldest() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	for _, e := range t.entries {
		if oldest.IsZero() || e.issuedAt.Before(oldest) {
			oldest = e.issuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return t.clock.Now().Sub(oldest)
}

func (t *Table[R]) take(id int64) *entry[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

type outcome[R any] struct {
	value R
	err   error
}

// Waiter is the channel-backed handle returned by [Table.Register].
type Waiter[R any] struct {
	table *Table[R]
	id    int64
	done  chan outcome[R]
}

// ID returns the request id the waiter is registered under.
func (w *Waiter[R]) ID() int64 { return w.id }

// Wait blocks until the entry is resolved or ctx is done. On ctx
// expiry the entry is cancelled, so a late reply is discarded, and
// ctx.Err() is returned.
func (w *Waiter[R]) Wait(ctx context.Context) (R, error) {
	select {
	case result := <-w.done:
		return result.value, result.err
	case <-ctx.Done():
		if !w.table.Cancel(w.id) {
			// Resolved concurrently with the cancellation; the outcome
			// is already buffered.
			result := <-w.done
			return result.value, result.err
		}
		var zero R
		return zero, ctx.Err()
	}
}

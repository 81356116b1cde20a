// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/cdprelay/lib/clock"
)

// Kind classifies an observability event.
type Kind string

const (
	// KindStateTransition records a role slot or adapter state change.
	KindStateTransition Kind = "state_transition"

	// KindMessageDropped records an envelope the relay chose not to
	// deliver: an event with no consumer, a response for an unknown id,
	// an undecodable frame.
	KindMessageDropped Kind = "message_dropped"

	// KindRoutingFailure records a command that was answered with a
	// relay error instead of being forwarded.
	KindRoutingFailure Kind = "routing_failure"

	// KindConnectionOpened and KindConnectionClosed bracket the life of
	// a physical connection.
	KindConnectionOpened Kind = "connection_opened"
	KindConnectionClosed Kind = "connection_closed"
)

var allKinds = []Kind{
	KindStateTransition,
	KindMessageDropped,
	KindRoutingFailure,
	KindConnectionOpened,
	KindConnectionClosed,
}

// Event is one observability record.
type Event struct {
	Time      time.Time
	Kind      Kind
	Level     slog.Level
	Component string
	Message   string
	// Args are slog key/value pairs.
	Args []any
}

// Config configures an Emitter.
type Config struct {
	// Logger receives every event. Nil means slog.Default().
	Logger *slog.Logger

	// Clock stamps events. Nil means clock.Real().
	Clock clock.Clock

	// QueueSize bounds the number of undrained events. Zero means 1024.
	QueueSize int

	// Observer, if set, is called from the drain goroutine after the
	// event is logged.
	Observer func(Event)
}

// Stats counts what the emitter has seen.
type Stats struct {
	Emitted   uint64          `json:"emitted" cbor:"emitted"`
	Discarded uint64          `json:"discarded" cbor:"discarded"`
	ByKind    map[Kind]uint64 `json:"by_kind" cbor:"by_kind"`
}

// Emitter queues events for asynchronous logging.
type Emitter struct {
	logger   *slog.Logger
	clock    clock.Clock
	observer func(Event)

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	emitted   atomic.Uint64
	discarded atomic.Uint64
	byKind    map[Kind]*atomic.Uint64
}

// New creates an Emitter and starts its drain goroutine. Call Close to
// flush and stop it.
func New(config Config) *Emitter {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	emitter := &Emitter{
		logger:   logger,
		clock:    clk,
		observer: config.Observer,
		queue:    make(chan Event, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		byKind:   make(map[Kind]*atomic.Uint64, len(allKinds)),
	}
	for _, kind := range allKinds {
		emitter.byKind[kind] = new(atomic.Uint64)
	}
	go emitter.drain()
	return emitter
}

// Emit enqueues an event. It never blocks.
func (e *Emitter) Emit(kind Kind, level slog.Level, component, message string, args ...any) {
	if e == nil {
		return
	}
	event := Event{
		Time:      e.clock.Now(),
		Kind:      kind,
		Level:     level,
		Component: component,
		Message:   message,
		Args:      args,
	}
	select {
	case e.queue <- event:
		e.emitted.Add(1)
		if counter, ok := e.byKind[kind]; ok {
			counter.Add(1)
		}
	default:
		e.discarded.Add(1)
	}
}

// Transition records a state change from one named state to another.
func (e *Emitter) Transition(component, from, to string, args ...any) {
	e.Emit(KindStateTransition, slog.LevelInfo, component, "state transition",
		append([]any{"from", from, "to", to}, args...)...)
}

// Dropped records a message the relay did not deliver. Drops are
// expected traffic and log at Debug.
func (e *Emitter) Dropped(component, reason string, args ...any) {
	e.Emit(KindMessageDropped, slog.LevelDebug, component, "message dropped",
		append([]any{"reason", reason}, args...)...)
}

// RoutingFailure records a command answered with a relay error.
func (e *Emitter) RoutingFailure(component string, err error, args ...any) {
	e.Emit(KindRoutingFailure, slog.LevelWarn, component, "routing failure",
		append([]any{"error", err}, args...)...)
}

// Opened records a new physical connection.
func (e *Emitter) Opened(component string, args ...any) {
	e.Emit(KindConnectionOpened, slog.LevelInfo, component, "connection opened", args...)
}

// Closed records the end of a physical connection.
func (e *Emitter) Closed(component string, args ...any) {
	e.Emit(KindConnectionClosed, slog.LevelInfo, component, "connection closed", args...)
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{ByKind: map[Kind]uint64{}}
	}
	stats := Stats{
		Emitted:   e.emitted.Load(),
		Discarded: e.discarded.Load(),
		ByKind:    make(map[Kind]uint64, len(e.byKind)),
	}
	for kind, counter := range e.byKind {
		stats.ByKind[kind] = counter.Load()
	}
	return stats
}

// Close logs whatever is still queued and stops the drain goroutine.
// Events emitted after Close are counted and discarded once the queue
// fills.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.once.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Emitter) drain() {
	defer close(e.done)
	for {
		select {
		case event := <-e.queue:
			e.deliver(event)
		case <-e.stop:
			for {
				select {
				case event := <-e.queue:
					e.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(event Event) {
	args := append([]any{"event", string(event.Kind), "component", event.Component}, event.Args...)
	e.logger.Log(context.Background(), event.Level, event.Message, args...)
	if e.observer != nil {
		e.observer(event)
	}
}

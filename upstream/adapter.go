// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/cdprelay/lib/clock"
	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/transport"
)

// State is the adapter's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Attaching
	Active
	Reconnecting
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Attaching:
		return "attaching"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrReconnectExhausted is reported on Failures when every
	// reconnect attempt failed.
	ErrReconnectExhausted = errors.New("relay reconnect attempts exhausted")

	// ErrAlreadyAttached is returned by RequestAttach while a session
	// is in progress.
	ErrAlreadyAttached = errors.New("already attached to a tab")

	// ErrNotAttached is returned by RequestDetach with no session.
	ErrNotAttached = errors.New("not attached to a tab")

	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("adapter stopped")
)

// Config configures an Adapter.
type Config struct {
	// RelayURL is the hub's upstream WebSocket URL.
	RelayURL string

	// Debugger attaches to tabs.
	Debugger Debugger

	// ReconnectAttempts bounds consecutive attempts after an abnormal
	// close. Zero means none: the first abnormal close is terminal.
	ReconnectAttempts int

	// ReconnectDelay is the fixed wait before each attempt.
	ReconnectDelay time.Duration

	// AckTimeout bounds the wait for connection_ack. Default 5s.
	AckTimeout time.Duration

	// EventBuffer bounds native events held while not Active.
	// Default 256.
	EventBuffer int

	// NewSessionID generates root session ids, one per relay
	// connection. Default uuid.NewString.
	NewSessionID func() string

	// Transport configures relay connections.
	Transport transport.Options

	// Clock drives the reconnect delay and ack timeout. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Events receives observability records. Nil discards them.
	Events *eventlog.Emitter
}

// Adapter is the tab-side relay client.
type Adapter struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	events *eventlog.Emitter

	requests chan request
	failures chan error
	done     chan struct{}

	stateMu sync.Mutex
	state   State

	// Owned by the Run goroutine; valid while a session is in progress.
	target        TargetDescriptor
	native        Native
	link          *relayLink
	children      *childSet
	buffer        []NativeEvent
	dropped       int
	attempts      int
	lastErr       error
	detachWaiters []chan error
}

// New creates an Adapter. Call Run to start it.
func New(config Config) *Adapter {
	if config.AckTimeout <= 0 {
		config.AckTimeout = 5 * time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	if config.ReconnectAttempts < 0 {
		config.ReconnectAttempts = 0
	}
	if config.NewSessionID == nil {
		config.NewSessionID = uuid.NewString
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Transport.Logger == nil {
		config.Transport.Logger = logger
	}
	if config.Transport.Clock == nil {
		config.Transport.Clock = clk
	}

	return &Adapter{
		config:   config,
		clock:    clk,
		logger:   logger,
		events:   config.Events,
		requests: make(chan request),
		failures: make(chan error, 1),
		done:     make(chan struct{}),
		children: newChildSet(),
	}
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *Adapter) setState(next State, reason string) {
	a.stateMu.Lock()
	previous := a.state
	a.state = next
	a.stateMu.Unlock()
	if previous == next {
		return
	}
	a.logger.Info("upstream state", "from", previous.String(), "to", next.String(), "reason", reason)
	a.events.Transition("upstream", previous.String(), next.String(), "reason", reason)
}

// Failures delivers terminal session failures: reconnect exhaustion.
// Only the most recent undelivered failure is kept.
func (a *Adapter) Failures() <-chan error { return a.failures }

func (a *Adapter) reportFailure(err error) {
	a.lastErr = err
	select {
	case <-a.failures:
	default:
	}
	a.failures <- err
}

// request is anything the Run goroutine answers.
type request interface{ isRequest() }

type attachRequest struct {
	target TargetDescriptor
	reply  chan attachResult
}

type attachResult struct {
	sessionID string
	err       error
}

type detachRequest struct{ reply chan error }
type statusRequest struct{ reply chan Status }

func (attachRequest) isRequest() {}
func (detachRequest) isRequest() {}
func (statusRequest) isRequest() {}

func (a *Adapter) send(ctx context.Context, r request) error {
	select {
	case a.requests <- r:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAttach attaches to a tab and connects it to the relay. It
// returns the root session id once the relay has acknowledged the
// handshake. Cancelling ctx abandons the wait but not the attach.
func (a *Adapter) RequestAttach(ctx context.Context, target TargetDescriptor) (string, error) {
	reply := make(chan attachResult, 1)
	if err := a.send(ctx, attachRequest{target: target, reply: reply}); err != nil {
		return "", err
	}
	select {
	case result := <-reply:
		return result.sessionID, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RequestDetach detaches from the tab and closes the relay connection
// cleanly. It returns once the adapter is Disconnected.
func (a *Adapter) RequestDetach(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, detachRequest{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the adapter.
func (a *Adapter) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := a.send(ctx, statusRequest{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case status := <-reply:
		return status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run serves attach, detach and status requests until ctx is
// cancelled. At most one tab session runs at a time.
func (a *Adapter) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-a.requests:
			switch r := r.(type) {
			case attachRequest:
				a.runSession(ctx, r)
			case detachRequest:
				r.reply <- ErrNotAttached
			case statusRequest:
				r.reply <- a.snapshot()
			}
		}
	}
}

// interruption is why a wait inside a session ended early.
type interruption int

const (
	notInterrupted interruption = iota
	interruptDetach
	interruptNativeDetached
	interruptShutdown
)

// handleRequest answers a request that arrives mid-session and reports
// whether it interrupts the session.
func (a *Adapter) handleRequest(r request) interruption {
	switch r := r.(type) {
	case attachRequest:
		r.reply <- attachResult{err: ErrAlreadyAttached}
	case detachRequest:
		a.detachWaiters = append(a.detachWaiters, r.reply)
		return interruptDetach
	case statusRequest:
		r.reply <- a.snapshot()
	}
	return notInterrupted
}

// nativeChannels returns the current native session's channels, or
// nil channels (which block forever in a select) when none is attached.
func (a *Adapter) nativeChannels() (<-chan NativeEvent, <-chan struct{}) {
	if a.native == nil {
		return nil, nil
	}
	return a.native.Events(), a.native.Detached()
}

// await waits for one value from ch while answering requests and
// buffering native events.
func await[T any](a *Adapter, ctx context.Context, ch <-chan T) (T, interruption) {
	var zero T
	for {
		events, detached := a.nativeChannels()
		select {
		case value := <-ch:
			return value, notInterrupted
		case event := <-events:
			a.observeNative(event)
		case <-detached:
			return zero, interruptNativeDetached
		case r := <-a.requests:
			if why := a.handleRequest(r); why != notInterrupted {
				return zero, why
			}
		case <-ctx.Done():
			return zero, interruptShutdown
		}
	}
}

func (a *Adapter) nativeTargetInfo() json.RawMessage {
	if a.native == nil {
		return nil
	}
	return a.native.TargetInfo()
}

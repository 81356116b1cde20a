// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/cdprelay/envelope"
	"github.com/bureau-foundation/cdprelay/lib/pending"
	"github.com/bureau-foundation/cdprelay/lib/version"
	"github.com/bureau-foundation/cdprelay/transport"
)

// relayLink is one relay connection and the commands executing on its
// behalf.
type relayLink struct {
	conn    *transport.Conn
	rootID  string
	frames  chan []byte
	closed  chan transport.CloseInfo
	stop    chan struct{}
	once    sync.Once
	pending *pending.Table[json.RawMessage]
}

func (a *Adapter) newLink(conn *transport.Conn, rootID string) *relayLink {
	link := &relayLink{
		conn:    conn,
		rootID:  rootID,
		frames:  make(chan []byte, 64),
		closed:  make(chan transport.CloseInfo, 1),
		stop:    make(chan struct{}),
		pending: pending.New[json.RawMessage](a.clock, a.logger),
	}
	go func() {
		info := conn.ReadLoop(func(data []byte) {
			select {
			case link.frames <- data:
			case <-link.stop:
			}
		})
		link.closed <- info
	}()
	return link
}

// close ends the link. Commands still executing natively are failed;
// their responses have nowhere to go and are dropped.
func (l *relayLink) close(code int, reason string) {
	l.once.Do(func() {
		l.conn.Close(code, reason)
		close(l.stop)
		l.pending.FailAll(envelope.ErrConnectionClosed)
	})
}

func (a *Adapter) runSession(ctx context.Context, r attachRequest) {
	a.target = r.target
	a.attempts = 0
	a.lastErr = nil

	sessionID, err := a.establish(ctx)
	r.reply <- attachResult{sessionID: sessionID, err: err}
	if err != nil {
		return
	}
	a.serveSession(ctx)
}

// establish runs Connecting and Attaching. On failure the adapter is
// back in Disconnected.
func (a *Adapter) establish(ctx context.Context) (string, error) {
	a.setState(Connecting, "attach requested: "+a.target.String())

	conn, why, err := a.dial(ctx)
	if why != notInterrupted {
		a.disconnectFor(why)
		return "", interruptionError(why)
	}
	if err != nil {
		a.lastErr = err
		a.disconnect(websocketNormal, "relay unreachable")
		return "", err
	}

	a.setState(Attaching, "relay connected")
	native, why, err := a.attachNative(ctx)
	if why != notInterrupted || err != nil {
		conn.Close(websocketNormal, "tab attach failed")
		if why != notInterrupted {
			a.disconnectFor(why)
			return "", interruptionError(why)
		}
		a.lastErr = err
		a.disconnect(websocketNormal, "tab attach failed")
		return "", fmt.Errorf("attaching to %s: %w", a.target, err)
	}
	a.native = native

	link, why, err := a.handshake(ctx, conn)
	if why != notInterrupted {
		a.disconnectFor(why)
		return "", interruptionError(why)
	}
	if err != nil {
		a.lastErr = err
		a.disconnect(websocketNormal, "handshake failed")
		return "", err
	}

	a.activate(link, "handshake complete")
	return link.rootID, nil
}

func (a *Adapter) serveSession(ctx context.Context) {
	for {
		why, info := a.serve(ctx)
		if why != notInterrupted {
			a.disconnectFor(why)
			return
		}
		if info.Clean {
			a.logger.Info("relay closed the connection", "close", info.String())
			a.disconnect(websocketNormal, "relay closed cleanly")
			return
		}
		a.logger.Warn("relay connection lost", "close", info.String())
		if !a.reconnect(ctx) {
			return
		}
	}
}

// serve runs the Active state until the relay connection ends or the
// session is interrupted.
func (a *Adapter) serve(ctx context.Context) (interruption, transport.CloseInfo) {
	for {
		events, detached := a.nativeChannels()
		select {
		case data := <-a.link.frames:
			a.handleRelayFrame(data)
		case info := <-a.link.closed:
			return notInterrupted, info
		case event := <-events:
			a.observeNative(event)
		case <-detached:
			return interruptNativeDetached, transport.CloseInfo{}
		case r := <-a.requests:
			if why := a.handleRequest(r); why != notInterrupted {
				return why, transport.CloseInfo{}
			}
		case <-ctx.Done():
			return interruptShutdown, transport.CloseInfo{}
		}
	}
}

// reconnect runs the Reconnecting state, passing through Connecting
// for each attempt. It reports whether the adapter is Active again;
// otherwise it is Disconnected.
func (a *Adapter) reconnect(ctx context.Context) bool {
	a.link.close(websocketNormal, "")
	a.link = nil
	a.setState(Reconnecting, "relay connection lost")

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(a.config.ReconnectDelay), uint64(a.config.ReconnectAttempts))
	policy.Reset()
	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, a.attempts)
			if a.lastErr != nil {
				err = fmt.Errorf("%w (last error: %v)", err, a.lastErr)
			}
			a.logger.Error("giving up on relay", "attempts", a.attempts, "error", err)
			a.disconnect(websocketNormal, "reconnect attempts exhausted")
			a.reportFailure(err)
			return false
		}
		a.attempts++

		if _, why := await(a, ctx, a.clock.After(wait)); why != notInterrupted {
			a.disconnectFor(why)
			return false
		}

		a.logger.Info("reconnecting to relay", "attempt", a.attempts, "max_attempts", a.config.ReconnectAttempts)
		a.setState(Connecting, fmt.Sprintf("reconnect attempt %d of %d", a.attempts, a.config.ReconnectAttempts))
		conn, why, err := a.dial(ctx)
		if why != notInterrupted {
			a.disconnectFor(why)
			return false
		}
		if err != nil {
			a.lastErr = err
			a.logger.Warn("reconnect attempt failed", "attempt", a.attempts, "error", err)
			a.setState(Reconnecting, "reconnect attempt failed")
			continue
		}

		link, why, err := a.handshake(ctx, conn)
		if why != notInterrupted {
			a.disconnectFor(why)
			return false
		}
		if err != nil {
			a.lastErr = err
			a.logger.Warn("reconnect handshake failed", "attempt", a.attempts, "error", err)
			a.setState(Reconnecting, "reconnect handshake failed")
			continue
		}

		a.activate(link, "reconnected")
		return true
	}
}

type dialResult struct {
	conn *transport.Conn
	err  error
}

func (a *Adapter) dial(ctx context.Context) (*transport.Conn, interruption, error) {
	results := make(chan dialResult, 1)
	go func() {
		conn, err := transport.Dial(ctx, a.config.RelayURL, a.config.Transport)
		results <- dialResult{conn: conn, err: err}
	}()

	result, why := await(a, ctx, (<-chan dialResult)(results))
	if why != notInterrupted {
		go func() {
			if late := <-results; late.conn != nil {
				late.conn.Close(websocketNormal, "abandoned")
			}
		}()
		return nil, why, nil
	}
	return result.conn, notInterrupted, result.err
}

type attachOutcome struct {
	native Native
	err    error
}

func (a *Adapter) attachNative(ctx context.Context) (Native, interruption, error) {
	results := make(chan attachOutcome, 1)
	target := a.target
	go func() {
		native, err := a.config.Debugger.Attach(ctx, target)
		results <- attachOutcome{native: native, err: err}
	}()

	result, why := await(a, ctx, (<-chan attachOutcome)(results))
	if why != notInterrupted {
		go func() {
			if late := <-results; late.native != nil {
				a.detachNative(late.native)
			}
		}()
		return nil, why, nil
	}
	return result.native, notInterrupted, result.err
}

// handshake sends connection_info under a fresh root session id and
// waits for connection_ack.
func (a *Adapter) handshake(ctx context.Context, conn *transport.Conn) (*relayLink, interruption, error) {
	link := a.newLink(conn, a.config.NewSessionID())
	info := envelope.NewControl(envelope.Control{
		Type:           envelope.ControlConnectionInfo,
		SessionID:      link.rootID,
		TargetInfo:     a.nativeTargetInfo(),
		AdapterVersion: version.Short(),
	})
	if err := conn.SendEnvelope(info); err != nil {
		link.close(websocketNormal, "")
		return nil, notInterrupted, fmt.Errorf("sending connection_info: %w", err)
	}

	expired := make(chan struct{})
	timer := a.clock.AfterFunc(a.config.AckTimeout, func() { close(expired) })
	defer timer.Stop()

	for {
		events, detached := a.nativeChannels()
		select {
		case data := <-link.frames:
			message, err := envelope.Decode(data)
			if err != nil {
				a.logger.Warn("malformed frame during handshake", "error", err)
				continue
			}
			if message.Kind != envelope.KindControl || message.Control.Type != envelope.ControlConnectionAck {
				a.logger.Debug("ignoring message before connection_ack", "kind", message.Kind.String())
				continue
			}
			if relayVersion := message.Control.RelayVersion; !version.Compatible(version.Short(), relayVersion) {
				a.logger.Warn("relay version may be incompatible", "relay_version", relayVersion, "adapter_version", version.Short())
			}
			return link, notInterrupted, nil
		case closeInfo := <-link.closed:
			link.close(websocketNormal, "")
			return nil, notInterrupted, fmt.Errorf("relay closed during handshake: %s", closeInfo)
		case <-expired:
			link.close(websocketNormal, "no connection_ack")
			return nil, notInterrupted, fmt.Errorf("no connection_ack within %s: %w", a.config.AckTimeout, envelope.ErrHandshakeTimeout)
		case event := <-events:
			a.observeNative(event)
		case <-detached:
			link.close(websocketNormal, "target detached")
			return nil, interruptNativeDetached, nil
		case r := <-a.requests:
			if why := a.handleRequest(r); why != notInterrupted {
				link.close(websocketNormal, "detached")
				return nil, why, nil
			}
		case <-ctx.Done():
			link.close(websocketGoingAway, "adapter shutting down")
			return nil, interruptShutdown, nil
		}
	}
}

// activate enters Active on a freshly acknowledged link: child sessions
// the tab still holds are re-announced, then buffered events flushed.
func (a *Adapter) activate(link *relayLink, reason string) {
	a.link = link
	a.attempts = 0
	a.setState(Active, reason)
	a.logger.Info("connected to relay",
		"root_session_id", link.rootID,
		"connection_id", link.conn.ID(),
		"child_sessions", a.children.len(),
	)
	a.announceChildren()
	a.flushBuffer()
}

func (a *Adapter) handleRelayFrame(data []byte) {
	message, err := envelope.Decode(data)
	if err != nil {
		a.logger.Warn("malformed frame from relay", "error", err)
		a.events.Dropped("upstream", "malformed frame", "error", err)
		return
	}
	if message.Kind != envelope.KindCommand {
		a.logger.Debug("ignoring non-command from relay", "kind", message.Kind.String())
		return
	}
	a.execute(message)
}

// execute runs a relay command on the native session and answers it on
// the link it arrived on. A command reusing an id that is still
// executing is refused with an error response.
func (a *Adapter) execute(command *envelope.Envelope) {
	link := a.link
	id, relaySession := command.ID, command.SessionID
	nativeSession := relaySession
	if nativeSession == link.rootID {
		nativeSession = ""
	}

	registered := link.pending.TryRegisterFunc(id, func(result json.RawMessage, err error) {
		var response *envelope.Envelope
		if err != nil {
			response = envelope.NewErrorResponse(id, relaySession, envelope.ErrorFrom(err))
		} else {
			response = envelope.NewResult(id, relaySession, result)
		}
		a.respond(link, response)
	})
	if !registered {
		a.logger.Warn("relay reused an outstanding command id", "id", id, "method", command.Method)
		a.events.RoutingFailure("upstream", errDuplicateCommand, "id", id, "method", command.Method)
		a.respond(link, envelope.NewErrorResponse(id, relaySession,
			&envelope.Error{Code: envelope.CodeInternal, Message: errDuplicateCommand.Error()}))
		return
	}
	a.native.Call(nativeSession, command.Method, command.Params, func(result json.RawMessage, err error) {
		if err != nil {
			link.pending.Reject(id, err)
			return
		}
		link.pending.Resolve(id, result)
	})
}

var errDuplicateCommand = errors.New("duplicate command id")

// respond queues a response on link. A response that cannot be queued
// aborts the link with 1011: the relay then fails the caller, and the
// adapter reconnects.
func (a *Adapter) respond(link *relayLink, response *envelope.Envelope) {
	err := link.conn.SendEnvelope(response)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrQueueFull) {
		a.logger.Warn("aborting relay link after undeliverable response", "id", response.ID, "connection_id", link.conn.ID())
		link.conn.Abort(websocketInternalError, "response queue full")
		return
	}
	a.logger.Debug("dropping response", "id", response.ID, "error", err)
}

const (
	websocketNormal        = 1000
	websocketGoingAway     = 1001
	websocketInternalError = 1011
)

// disconnect runs Disconnecting: the relay link is closed with code,
// the native session detached, child sessions forgotten and buffered
// events discarded.
func (a *Adapter) disconnect(code int, reason string) {
	a.setState(Disconnecting, reason)
	if a.link != nil {
		a.link.close(code, reason)
		a.link = nil
	}
	if a.native != nil {
		a.detachNative(a.native)
		a.native = nil
	}
	a.children.clear()
	if len(a.buffer) > 0 {
		a.logger.Info("discarding buffered events", "count", len(a.buffer))
		a.events.Dropped("upstream", "disconnected with buffered events", "count", len(a.buffer))
	}
	a.buffer = nil
	a.setState(Disconnected, reason)

	for _, waiter := range a.detachWaiters {
		waiter <- nil
	}
	a.detachWaiters = nil
}

func (a *Adapter) disconnectFor(why interruption) {
	switch why {
	case interruptDetach:
		a.disconnect(websocketNormal, "detach requested")
	case interruptNativeDetached:
		reason := "target detached"
		if a.native != nil && a.native.Err() != nil {
			reason += ": " + a.native.Err().Error()
		}
		a.disconnect(websocketNormal, reason)
	case interruptShutdown:
		a.disconnect(websocketGoingAway, "adapter shutting down")
	}
}

func interruptionError(why interruption) error {
	switch why {
	case interruptDetach:
		return errors.New("attach cancelled by detach request")
	case interruptNativeDetached:
		return errors.New("tab detached during attach")
	default:
		return ErrStopped
	}
}

func (a *Adapter) detachNative(native Native) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.AckTimeout+time.Second)
	defer cancel()
	if err := native.Detach(ctx); err != nil {
		a.logger.Debug("detaching native session", "error", err)
	}
}

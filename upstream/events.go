// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/json"
	"slices"

	"github.com/samber/lo"

	"github.com/bureau-foundation/cdprelay/envelope"
)

// child is a flattened session the tab attached, keyed by its native
// session id. An empty parent means the root.
type child struct {
	id         string
	parent     string
	targetInfo json.RawMessage
	sequence   int
}

// childSet tracks the tab's child sessions across relay connections so
// they can be re-announced after a reconnect.
type childSet struct {
	byID map[string]*child
	next int
}

func newChildSet() *childSet {
	return &childSet{byID: make(map[string]*child)}
}

func (s *childSet) add(id, parent string, targetInfo json.RawMessage) {
	if existing, ok := s.byID[id]; ok {
		existing.targetInfo = targetInfo
		return
	}
	s.next++
	s.byID[id] = &child{id: id, parent: parent, targetInfo: targetInfo, sequence: s.next}
}

// remove drops id and every session nested under it, returning how
// many were removed.
func (s *childSet) remove(id string) int {
	if _, ok := s.byID[id]; !ok {
		return 0
	}
	delete(s.byID, id)
	removed := 1
	for _, nested := range lo.Filter(lo.Values(s.byID), func(c *child, _ int) bool { return c.parent == id }) {
		removed += s.remove(nested.id)
	}
	return removed
}

// ordered returns the children in attach order, so parents precede
// their descendants.
func (s *childSet) ordered() []*child {
	children := lo.Values(s.byID)
	slices.SortFunc(children, func(a, b *child) int { return a.sequence - b.sequence })
	return children
}

func (s *childSet) ids() []string {
	return lo.Map(s.ordered(), func(c *child, _ int) string { return c.id })
}

func (s *childSet) len() int { return len(s.byID) }

func (s *childSet) clear() {
	clear(s.byID)
	s.next = 0
}

const (
	methodAttachedToTarget   = "Target.attachedToTarget"
	methodDetachedFromTarget = "Target.detachedFromTarget"
)

// observeNative handles one event from the native session. Child
// session bookkeeping always happens; the event itself is forwarded
// when Active and buffered otherwise.
func (a *Adapter) observeNative(event NativeEvent) {
	live := a.link != nil && a.State() == Active

	switch event.Method {
	case methodAttachedToTarget:
		var params struct {
			SessionID  string          `json:"sessionId"`
			TargetInfo json.RawMessage `json:"targetInfo"`
		}
		if err := json.Unmarshal(event.Params, &params); err != nil || params.SessionID == "" {
			a.logger.Warn("attachedToTarget without a session id", "error", err)
			break
		}
		a.children.add(params.SessionID, event.SessionID, params.TargetInfo)
		if live {
			a.announce(params.SessionID, event.SessionID, params.TargetInfo)
		}
	case methodDetachedFromTarget:
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(event.Params, &params); err != nil || params.SessionID == "" {
			a.logger.Warn("detachedFromTarget without a session id", "error", err)
			break
		}
		if a.children.remove(params.SessionID) > 0 && live {
			a.sendControl(envelope.Control{
				Type:      envelope.ControlSessionDetached,
				SessionID: params.SessionID,
				Reason:    "target detached",
			})
		}
	}

	if live {
		a.forward(event)
		return
	}
	a.bufferEvent(event)
}

// relaySessionID maps a native session id onto the current link: the
// native root is addressed by the link's root id.
func (a *Adapter) relaySessionID(native string) string {
	if native == "" {
		return a.link.rootID
	}
	return native
}

func (a *Adapter) announce(id, parent string, targetInfo json.RawMessage) {
	a.sendControl(envelope.Control{
		Type:            envelope.ControlSessionAttached,
		SessionID:       id,
		ParentSessionID: a.relaySessionID(parent),
		TargetInfo:      targetInfo,
	})
}

func (a *Adapter) announceChildren() {
	for _, c := range a.children.ordered() {
		a.announce(c.id, c.parent, c.targetInfo)
	}
}

func (a *Adapter) sendControl(control envelope.Control) {
	if err := a.link.conn.SendEnvelope(envelope.NewControl(control)); err != nil {
		a.logger.Warn("sending control message", "type", string(control.Type), "error", err)
	}
}

func (a *Adapter) forward(event NativeEvent) {
	message := envelope.NewEvent(a.relaySessionID(event.SessionID), event.Method, event.Params)
	if err := a.link.conn.SendEnvelope(message); err != nil {
		a.dropped++
		a.events.Dropped("upstream", "relay send failed", "method", event.Method, "error", err)
	}
}

func (a *Adapter) bufferEvent(event NativeEvent) {
	if len(a.buffer) >= a.config.EventBuffer {
		a.dropped++
		a.events.Dropped("upstream", "event buffer full", "method", event.Method)
		return
	}
	a.buffer = append(a.buffer, event)
}

func (a *Adapter) flushBuffer() {
	if len(a.buffer) == 0 {
		return
	}
	a.logger.Debug("flushing buffered events", "count", len(a.buffer))
	for _, event := range a.buffer {
		a.forward(event)
	}
	a.buffer = nil
}

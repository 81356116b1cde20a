// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the logical debugging sessions multiplexed over
// the hub's single upstream connection.
//
// The [Registry] is owned by the hub's routing loop and is not safe for
// concurrent use. Only upstream attach and detach notifications mutate
// it. An omitted session id always resolves through [Registry.Root], so
// root-addressed commands keep working when the root id changes across
// reconnects.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/bureau-foundation/cdprelay/envelope"
)

// Session is one attached debugging target.
type Session struct {
	ID              string          `json:"session_id" cbor:"session_id"`
	IsRoot          bool            `json:"is_root" cbor:"is_root"`
	ParentSessionID string          `json:"parent_session_id,omitempty" cbor:"parent_session_id,omitempty"`
	TargetInfo      json.RawMessage `json:"target_info,omitempty" cbor:"-"`
	CreatedAt       time.Time       `json:"created_at" cbor:"created_at"`
}

// Registry maps session ids to sessions.
type Registry struct {
	sessions map[string]*Session
	rootID   string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create adds a session. Creating a root session replaces any previous
// root; creating an id that already exists is an error. A child whose
// ParentSessionID is empty is parented to the current root.
func (r *Registry) Create(s Session) (*Session, error) {
	if s.ID == "" {
		return nil, errors.New("session id is empty")
	}
	if _, exists := r.sessions[s.ID]; exists {
		return nil, fmt.Errorf("session %q already exists", s.ID)
	}
	if s.IsRoot {
		s.ParentSessionID = ""
		if r.rootID != "" {
			delete(r.sessions, r.rootID)
		}
		r.rootID = s.ID
	} else if s.ParentSessionID == "" {
		s.ParentSessionID = r.rootID
	}
	created := s
	r.sessions[s.ID] = &created
	return &created, nil
}

// Lookup resolves a session id. The empty id resolves to the current
// root. Unknown ids, and the empty id when there is no root, return an
// error matching envelope.ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	if id == "" {
		if r.rootID == "" {
			return nil, fmt.Errorf("no root session: %w", envelope.ErrSessionNotFound)
		}
		id = r.rootID
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, envelope.ErrSessionNotFound)
	}
	return s, nil
}

// Root returns the current root session, or nil.
func (r *Registry) Root() *Session {
	if r.rootID == "" {
		return nil
	}
	return r.sessions[r.rootID]
}

// Remove deletes a session and every session descended from it, and
// returns the removed sessions, the named one first. Removing an
// unknown id returns nil.
func (r *Registry) Remove(id string) []*Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	removed := []*Session{s}
	delete(r.sessions, id)
	if id == r.rootID {
		r.rootID = ""
	}
	for _, child := range lo.Filter(lo.Values(r.sessions), func(candidate *Session, _ int) bool {
		return candidate.ParentSessionID == id
	}) {
		removed = append(removed, r.Remove(child.ID)...)
	}
	return removed
}

// RemoveAll empties the registry and returns how many sessions it held.
func (r *Registry) RemoveAll() int {
	count := len(r.sessions)
	clear(r.sessions)
	r.rootID = ""
	return count
}

// Len returns the number of sessions, root included.
func (r *Registry) Len() int { return len(r.sessions) }

// List returns every session, root first, children ordered by creation
// time then id.
func (r *Registry) List() []Session {
	all := lo.Map(lo.Values(r.sessions), func(s *Session, _ int) Session { return *s })
	slices.SortFunc(all, compareSessions)
	return all
}

func compareSessions(a, b Session) int {
	if a.IsRoot != b.IsRoot {
		if a.IsRoot {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

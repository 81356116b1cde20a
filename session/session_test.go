// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/cdprelay/envelope"
)

var epoch = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, registry *Registry, s Session) {
	t.Helper()
	if _, err := registry.Create(s); err != nil {
		t.Fatalf("Create(%q): %v", s.ID, err)
	}
}

func TestEmptyIDResolvesToCurrentRoot(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Lookup(""); !errors.Is(err, envelope.ErrSessionNotFound) {
		t.Fatalf("Lookup(\"\") on empty registry: %v", err)
	}

	mustCreate(t, registry, Session{ID: "root-1", IsRoot: true, CreatedAt: epoch})
	s, err := registry.Lookup("")
	if err != nil || s.ID != "root-1" {
		t.Fatalf("Lookup(\"\") = %v, %v; want root-1", s, err)
	}

	registry.RemoveAll()
	mustCreate(t, registry, Session{ID: "root-2", IsRoot: true, CreatedAt: epoch})
	s, err = registry.Lookup("")
	if err != nil || s.ID != "root-2" {
		t.Fatalf("after reconnect Lookup(\"\") = %v, %v; want root-2", s, err)
	}
	if _, err := registry.Lookup("root-1"); !errors.Is(err, envelope.ErrSessionNotFound) {
		t.Errorf("old root id still resolves: %v", err)
	}
}

func TestChildDefaultsToRootParent(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "root", IsRoot: true, CreatedAt: epoch})
	mustCreate(t, registry, Session{ID: "frame", CreatedAt: epoch.Add(time.Second)})

	s, err := registry.Lookup("frame")
	if err != nil {
		t.Fatalf("Lookup(frame): %v", err)
	}
	if s.IsRoot || s.ParentSessionID != "root" {
		t.Errorf("child = %+v, want parent root", s)
	}
}

func TestCreateDuplicate(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "a", IsRoot: true})
	if _, err := registry.Create(Session{ID: "a"}); err == nil {
		t.Error("duplicate Create succeeded")
	}
	if _, err := registry.Create(Session{}); err == nil {
		t.Error("Create with empty id succeeded")
	}
}

func TestRemoveCascadesToDescendants(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "root", IsRoot: true, CreatedAt: epoch})
	mustCreate(t, registry, Session{ID: "frame", CreatedAt: epoch})
	mustCreate(t, registry, Session{ID: "worker", ParentSessionID: "frame", CreatedAt: epoch})
	mustCreate(t, registry, Session{ID: "other", CreatedAt: epoch})

	removed := registry.Remove("frame")
	if len(removed) != 2 || removed[0].ID != "frame" || removed[1].ID != "worker" {
		t.Fatalf("Remove(frame) removed %v", removed)
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}
	if registry.Remove("frame") != nil {
		t.Error("second Remove returned sessions")
	}
}

func TestRemoveRootClearsRoot(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "root", IsRoot: true})
	mustCreate(t, registry, Session{ID: "child"})

	registry.Remove("root")
	if registry.Root() != nil {
		t.Error("Root() still set after removing it")
	}
	if registry.Len() != 0 {
		t.Errorf("children of the removed root survived: %v", registry.List())
	}
}

func TestListOrdering(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "b", CreatedAt: epoch.Add(2 * time.Second)})
	mustCreate(t, registry, Session{ID: "root", IsRoot: true, CreatedAt: epoch.Add(5 * time.Second)})
	mustCreate(t, registry, Session{ID: "a", CreatedAt: epoch.Add(2 * time.Second)})
	mustCreate(t, registry, Session{ID: "c", CreatedAt: epoch})

	list := registry.List()
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	want := []string{"root", "c", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List order = %v, want %v", ids, want)
		}
	}
}

func TestRemoveAll(t *testing.T) {
	registry := NewRegistry()
	mustCreate(t, registry, Session{ID: "root", IsRoot: true})
	mustCreate(t, registry, Session{ID: "child"})
	if n := registry.RemoveAll(); n != 2 {
		t.Errorf("RemoveAll() = %d, want 2", n)
	}
	if registry.Root() != nil || registry.Len() != 0 {
		t.Error("registry not empty after RemoveAll")
	}
}

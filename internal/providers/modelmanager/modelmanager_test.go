package modelmanager

import "testing"

func TestResolve_RenameReturnsActualName(t *testing.T) {
	m := New(Table{"fast-model": {Rename: "gpt-3.5-turbo"}})
	got, err := m.Resolve("fast-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "gpt-3.5-turbo" {
		t.Errorf("expected rename, got %q", got)
	}
}

func TestResolve_NoRenameReturnsRequestedName(t *testing.T) {
	m := New(Table{"gpt-4": {}})
	got, err := m.Resolve("gpt-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "gpt-4" {
		t.Errorf("expected passthrough name, got %q", got)
	}
}

func TestResolve_UnknownModel(t *testing.T) {
	m := New(Table{"gpt-4": {}})
	if _, err := m.Resolve("gpt-5"); err != ErrModelNotFound {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestResolve_EmptyTableResolvesNothing(t *testing.T) {
	m := New(nil)
	if _, err := m.Resolve("anything"); err != ErrModelNotFound {
		t.Errorf("expected ErrModelNotFound for empty table, got %v", err)
	}
}

func TestResolveRenameRoundTrip(t *testing.T) {
	m := New(Table{"fast-model": {Rename: "gpt-3.5-turbo"}})
	resolved, err := m.Resolve("fast-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Resolving the already-resolved name again (renames do not chain at
	// read time) should fail unless it happens to also be a configured key.
	if _, err := m.Resolve(resolved); err == nil {
		t.Errorf("wire name should not itself be a resolvable client-facing name")
	}
}

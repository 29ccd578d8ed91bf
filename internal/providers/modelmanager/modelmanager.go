// Package modelmanager resolves client-facing model names against a
// per-provider allowlist, with optional rename, rate limits, and header
// rules per model entry. Resolution is allowlist-only: a model not present
// in the table is ModelNotFound — there is no implicit passthrough.
package modelmanager

import (
	"errors"

	"github.com/nulpointcorp/llm-gateway/internal/headerrules"
)

// ErrModelNotFound is returned by Resolve when the requested model is not a
// key in the provider's model table.
var ErrModelNotFound = errors.New("model_not_found")

// RateLimits is the optional per-model rate-limit override.
type RateLimits struct {
	Limit  int
	Window int64 // seconds
}

// ModelEntry is one entry in a provider's model table.
type ModelEntry struct {
	// Rename is the wire name sent to the provider. Empty means "send the
	// client-facing name unchanged".
	Rename      string
	RateLimits  *RateLimits
	HeaderRules []headerrules.Rule
}

// Table is a provider's model allowlist: client-facing name -> entry.
type Table map[string]ModelEntry

// Manager resolves models for a single provider's table.
type Manager struct {
	table Table
}

// New constructs a Manager over a model table. An empty table resolves to
// ModelNotFound for everything.
func New(table Table) *Manager {
	if table == nil {
		table = Table{}
	}
	return &Manager{table: table}
}

// Resolve returns the actual wire name for requested, or ErrModelNotFound if
// requested is not in the allowlist.
func (m *Manager) Resolve(requested string) (string, error) {
	entry, ok := m.table[requested]
	if !ok {
		return "", ErrModelNotFound
	}
	if entry.Rename != "" {
		return entry.Rename, nil
	}
	return requested, nil
}

// Entry returns the full model entry for requested, if configured.
func (m *Manager) Entry(requested string) (ModelEntry, bool) {
	e, ok := m.table[requested]
	return e, ok
}

// ListConfigured returns every client-facing model name configured for this
// provider, in table-iteration order (callers needing determinism should
// sort the result).
func (m *Manager) ListConfigured() []string {
	names := make([]string, 0, len(m.table))
	for name := range m.table {
		names = append(names, name)
	}
	return names
}

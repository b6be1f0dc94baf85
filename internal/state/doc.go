// Package state provides the SQLite-backed store for sessions, events,
// scratchpad state and memories.
package state

import "github.com/user/agentmem/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*DB)(nil)
var _ types.EventStore = (*DB)(nil)
var _ types.StateStore = (*DB)(nil)
var _ types.MemoryStore = (*DB)(nil)

// Package sessionlog is the append-only record of what happened in each
// session, plus the session's mutable scratchpad.
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/agentmem/internal/types"
)

// Store is the persistence the log needs.
type Store interface {
	types.SessionStore
	types.EventStore
	types.StateStore
}

// UpdateMode selects how UpdateState applies a patch.
type UpdateMode int

const (
	// Merge overwrites only the fields set in the patch.
	Merge UpdateMode = iota
	// Replace swaps the whole scratchpad.
	Replace
)

// ParseUpdateMode parses "merge" or "replace".
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch strings.ToLower(s) {
	case "", "merge":
		return Merge, nil
	case "replace":
		return Replace, nil
	}
	return Merge, fmt.Errorf("unknown update mode %q: %w", s, types.ErrInvalidInput)
}

// CreateParams describes a new session.
type CreateParams struct {
	Role      string
	Namespace string
	Workflow  string
	Skill     string
	Branch    string
	Metadata  map[string]any
}

// Log wraps the store with validation and logging.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log. A nil logger uses slog.Default.
func New(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		logger: logger.With("component", "sessionlog"),
		now:    time.Now,
	}
}

// CreateSession starts a session and its empty scratchpad.
func (l *Log) CreateSession(ctx context.Context, p CreateParams) (*types.Session, error) {
	if strings.TrimSpace(p.Role) == "" {
		return nil, fmt.Errorf("create session: role is required: %w", types.ErrInvalidInput)
	}
	if strings.TrimSpace(p.Namespace) == "" {
		return nil, fmt.Errorf("create session: namespace is required: %w", types.ErrInvalidInput)
	}
	sess := &types.Session{
		ID:        types.NewSessionID(),
		Namespace: p.Namespace,
		Role:      p.Role,
		Workflow:  p.Workflow,
		Skill:     p.Skill,
		Branch:    p.Branch,
		StartedAt: l.now().UTC(),
		Metadata:  p.Metadata,
	}
	if err := l.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	l.logger.Info("session started", "session", sess.ID, "role", sess.Role, "namespace", sess.Namespace)
	return sess, nil
}

// EndSession marks the session ended. Ending twice returns ErrAlreadyEnded.
func (l *Log) EndSession(ctx context.Context, id types.SessionID) error {
	if err := l.store.EndSession(ctx, id, l.now().UTC()); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	l.logger.Info("session ended", "session", id)
	return nil
}

// GetSession returns the session.
func (l *Log) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	return l.store.GetSession(ctx, id)
}

// ListSessions returns sessions newest first.
func (l *Log) ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	return l.store.ListSessions(ctx, filter)
}

// AppendEvent records an event and returns it with its assigned sequence.
func (l *Log) AppendEvent(ctx context.Context, id types.SessionID, typ types.EventType, role, content string, payload json.RawMessage) (*types.Event, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("append event: unknown type %q: %w", typ, types.ErrInvalidInput)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("append event: payload is not valid JSON: %w", types.ErrInvalidInput)
	}
	ev := &types.Event{
		ID:        types.NewEventID(),
		SessionID: id,
		Type:      typ,
		Role:      role,
		Content:   content,
		Payload:   payload,
		At:        l.now().UTC(),
	}
	if err := l.store.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	l.logger.Debug("event appended", "session", id, "seq", ev.Seq, "type", typ)
	return ev, nil
}

// GetRecentEvents returns the last maxCount events matching any of the given
// types, oldest first. maxCount <= 0 returns every matching event.
func (l *Log) GetRecentEvents(ctx context.Context, id types.SessionID, maxCount int, filter ...types.EventType) ([]*types.Event, error) {
	for _, t := range filter {
		if !t.Valid() {
			return nil, fmt.Errorf("recent events: unknown type %q: %w", t, types.ErrInvalidInput)
		}
	}
	events, err := l.store.Tail(ctx, id, maxCount, filter...)
	if err != nil || len(events) > 0 {
		return events, err
	}
	return events, l.requireSession(ctx, id)
}

// Events returns the full log of the session.
func (l *Log) Events(ctx context.Context, id types.SessionID) ([]*types.Event, error) {
	events, err := l.store.List(ctx, id)
	if err != nil || len(events) > 0 {
		return events, err
	}
	return events, l.requireSession(ctx, id)
}

// EventCount returns the number of events in the session.
func (l *Log) EventCount(ctx context.Context, id types.SessionID) (int64, error) {
	n, err := l.store.Count(ctx, id)
	if err != nil || n > 0 {
		return n, err
	}
	return n, l.requireSession(ctx, id)
}

// requireSession tells an empty log apart from an unknown session.
func (l *Log) requireSession(ctx context.Context, id types.SessionID) error {
	_, err := l.store.GetSession(ctx, id)
	return err
}

// GetState returns the session scratchpad.
func (l *Log) GetState(ctx context.Context, id types.SessionID) (*types.SessionState, error) {
	return l.store.GetState(ctx, id)
}

// UpdateState applies patch to the scratchpad.
func (l *Log) UpdateState(ctx context.Context, id types.SessionID, patch types.Scratchpad, mode UpdateMode) (*types.SessionState, error) {
	st, err := l.store.UpdateState(ctx, id, func(sp *types.Scratchpad) error {
		if mode == Replace {
			*sp = patch
			return nil
		}
		MergeScratchpad(sp, patch)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	return st, nil
}

// ModifyState applies fn to the scratchpad in one store transaction.
func (l *Log) ModifyState(ctx context.Context, id types.SessionID, fn func(*types.Scratchpad) error) (*types.SessionState, error) {
	st, err := l.store.UpdateState(ctx, id, fn)
	if err != nil {
		return nil, fmt.Errorf("modify state: %w", err)
	}
	return st, nil
}

// MarkGatePassed records a validation gate event and adds the gate to the
// scratchpad's passed gates.
func (l *Log) MarkGatePassed(ctx context.Context, id types.SessionID, gate int, details string) (*types.Event, error) {
	if gate <= 0 {
		return nil, fmt.Errorf("mark gate: gate must be positive: %w", types.ErrInvalidInput)
	}
	payload, err := json.Marshal(map[string]any{"gate": gate, "details": details})
	if err != nil {
		return nil, fmt.Errorf("mark gate: %w", err)
	}
	content := fmt.Sprintf("validation gate %d passed", gate)
	if details != "" {
		content += ": " + details
	}
	ev, err := l.AppendEvent(ctx, id, types.EventValidationGate, "system", content, payload)
	if err != nil {
		return nil, err
	}
	if _, err := l.store.UpdateState(ctx, id, func(sp *types.Scratchpad) error {
		if !sp.HasGate(gate) {
			sp.GatesPassed = append(sp.GatesPassed, gate)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("mark gate: %w", err)
	}
	return ev, nil
}

// MergeScratchpad copies the set fields of patch onto dst. Empty strings and
// nil slices leave the existing value alone. Extra keys are merged.
func MergeScratchpad(dst *types.Scratchpad, patch types.Scratchpad) {
	if patch.CurrentTask != "" {
		dst.CurrentTask = patch.CurrentTask
	}
	if patch.SpecFile != "" {
		dst.SpecFile = patch.SpecFile
	}
	if patch.InProgressFiles != nil {
		dst.InProgressFiles = patch.InProgressFiles
	}
	if patch.GatesPassed != nil {
		dst.GatesPassed = patch.GatesPassed
	}
	if patch.Blockers != nil {
		dst.Blockers = patch.Blockers
	}
	if patch.PendingHandoff != nil {
		dst.PendingHandoff = patch.PendingHandoff
	}
	if len(patch.Extra) > 0 {
		if dst.Extra == nil {
			dst.Extra = make(map[string]json.RawMessage, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			dst.Extra[k] = v
		}
	}
}

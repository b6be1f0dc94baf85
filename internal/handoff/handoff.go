// Package handoff transfers working context from one agent role to the next
// through a reserved scratchpad slot that is read once.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/types"
)

// Request describes a handoff to create.
type Request struct {
	SessionID types.SessionID
	FromRole  string
	// ToRole may be empty, in which case the transition table picks it from
	// the highest gate passed so far.
	ToRole   string
	Workflow string
	Context  types.HandoffContext
	Summary  string
}

// Protocol creates and consumes handoffs.
type Protocol struct {
	log    *sessionlog.Log
	table  *Table
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Protocol. A nil table uses DefaultTable.
func New(log *sessionlog.Log, table *Table, logger *slog.Logger) *Protocol {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		log:    log,
		table:  table,
		logger: logger.With("component", "handoff"),
		now:    time.Now,
	}
}

// Table returns the transition table in use.
func (p *Protocol) Table() *Table {
	return p.table
}

// NextChatmode looks up the role that follows role in workflow after gate.
func (p *Protocol) NextChatmode(workflow, role string, gate int) (string, bool) {
	return p.table.Next(workflow, role, gate)
}

// CreateHandoff stores the handoff in the session scratchpad, replacing any
// pending one, and logs a system event while the session is active.
func (p *Protocol) CreateHandoff(ctx context.Context, req Request) (*types.Handoff, error) {
	if strings.TrimSpace(req.FromRole) == "" {
		return nil, fmt.Errorf("create handoff: from role is required: %w", types.ErrInvalidInput)
	}
	sess, err := p.log.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("create handoff: %w", err)
	}
	workflow := req.Workflow
	if workflow == "" {
		workflow = sess.Workflow
	}

	h := &types.Handoff{
		SessionID: req.SessionID,
		FromRole:  req.FromRole,
		ToRole:    req.ToRole,
		Workflow:  workflow,
		Summary:   req.Summary,
		Context:   req.Context,
		CreatedAt: p.now().UTC(),
	}

	_, err = p.log.ModifyState(ctx, req.SessionID, func(sp *types.Scratchpad) error {
		if h.Context.SpecFile == "" {
			h.Context.SpecFile = sp.SpecFile
		}
		if len(h.Context.GatesPassed) == 0 {
			h.Context.GatesPassed = slices.Clone(sp.GatesPassed)
		}
		if len(h.Context.Blockers) == 0 {
			h.Context.Blockers = slices.Clone(sp.Blockers)
		}
		if h.ToRole == "" {
			to, ok := p.table.Next(workflow, h.FromRole, highestGate(h.Context.GatesPassed))
			if !ok {
				return fmt.Errorf("no transition from %q in workflow %q: %w", h.FromRole, workflow, types.ErrInvalidInput)
			}
			h.ToRole = to
		}
		sp.PendingHandoff = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create handoff: %w", err)
	}

	if sess.Active() {
		payload, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("create handoff: %w", err)
		}
		content := fmt.Sprintf("handoff from %s to %s", h.FromRole, h.ToRole)
		if _, err := p.log.AppendEvent(ctx, req.SessionID, types.EventSystem, "system", content, payload); err != nil {
			if !errors.Is(err, types.ErrAlreadyEnded) {
				return nil, fmt.Errorf("create handoff: %w", err)
			}
		}
	}
	p.logger.Info("handoff created", "session", req.SessionID, "from", h.FromRole, "to", h.ToRole, "workflow", workflow)
	return h, nil
}

// GetPendingHandoff returns the pending handoff without clearing it, or nil.
func (p *Protocol) GetPendingHandoff(ctx context.Context, sessionID types.SessionID) (*types.Handoff, error) {
	st, err := p.log.GetState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get handoff: %w", err)
	}
	return st.Scratchpad.PendingHandoff, nil
}

// ConsumeHandoff returns the pending handoff and clears it in the same
// transaction, so only one caller ever receives it. Returns nil when none is
// pending.
func (p *Protocol) ConsumeHandoff(ctx context.Context, sessionID types.SessionID) (*types.Handoff, error) {
	var h *types.Handoff
	_, err := p.log.ModifyState(ctx, sessionID, func(sp *types.Scratchpad) error {
		h = sp.PendingHandoff
		sp.PendingHandoff = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consume handoff: %w", err)
	}
	if h != nil {
		p.logger.Info("handoff consumed", "session", sessionID, "to", h.ToRole)
	}
	return h, nil
}

func highestGate(gates []int) int {
	if len(gates) == 0 {
		return 0
	}
	return slices.Max(gates)
}

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/agentmem/internal/types"
)

// GetState returns the scratchpad of the session.
func (d *DB) GetState(ctx context.Context, sessionID types.SessionID) (*types.SessionState, error) {
	return loadState(ctx, d.conn, sessionID)
}

// UpdateState loads the scratchpad, applies fn and writes the result back in
// a single transaction. An error from fn aborts the update.
func (d *DB) UpdateState(ctx context.Context, sessionID types.SessionID, fn func(*types.Scratchpad) error) (*types.SessionState, error) {
	var out *types.SessionState
	err := d.withTx(ctx, "update state", func(tx *sql.Tx) error {
		st, err := loadState(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(&st.Scratchpad); err != nil {
			return err
		}
		data, err := json.Marshal(st.Scratchpad)
		if err != nil {
			return fmt.Errorf("encode scratchpad: %w", err)
		}
		st.UpdatedAt = d.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE session_state SET scratchpad = ?, updated_at = ? WHERE session_id = ?`,
			string(data), toMS(st.UpdatedAt), string(sessionID),
		); err != nil {
			return wrapErr("update state", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q queryRower, sessionID types.SessionID) (*types.SessionState, error) {
	var (
		raw     string
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT scratchpad, updated_at FROM session_state WHERE session_id = ?`, string(sessionID),
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state of session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("load state", err)
	}
	st := &types.SessionState{SessionID: sessionID, UpdatedAt: fromMS(updated)}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Scratchpad); err != nil {
			return nil, fmt.Errorf("decode scratchpad: %w", err)
		}
	}
	return st, nil
}

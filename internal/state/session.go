package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/agentmem/internal/types"
)

const sessionColumns = `id, namespace, role, workflow, skill, branch, started_at, ended_at, metadata`

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess     types.Session
		started  int64
		ended    sql.NullInt64
		metadata string
	)
	if err := row.Scan(&sess.ID, &sess.Namespace, &sess.Role, &sess.Workflow, &sess.Skill, &sess.Branch,
		&started, &ended, &metadata); err != nil {
		return nil, err
	}
	sess.StartedAt = fromMS(started)
	sess.EndedAt = timePtr(ended)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

// CreateSession inserts the session together with its empty state row.
func (d *DB) CreateSession(ctx context.Context, session *types.Session) error {
	if session.ID == "" {
		session.ID = types.NewSessionID()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = d.now().UTC()
	}
	metadata, err := encodeJSON(session.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	return d.withTx(ctx, "create session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(session.ID), session.Namespace, session.Role, session.Workflow, session.Skill, session.Branch,
			toMS(session.StartedAt), nullMS(session.EndedAt), metadata,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert session %s: %w", session.ID, types.ErrInvalidInput)
			}
			return wrapErr("insert session", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_state (session_id, scratchpad, updated_at) VALUES (?, '{}', ?)`,
			string(session.ID), toMS(session.StartedAt),
		); err != nil {
			return wrapErr("insert session state", err)
		}
		return nil
	})
}

// GetSession returns the session with the given ID.
func (d *DB) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (d *DB) ListSessions(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	if filter.Namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, filter.Namespace)
	}
	if filter.ActiveOnly {
		query += ` AND ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return d.querySessions(ctx, "list sessions", query, args...)
}

// EndSession marks the session ended. The conditional update makes the
// transition happen exactly once even under concurrent callers.
func (d *DB) EndSession(ctx context.Context, id types.SessionID, at time.Time) error {
	return d.withTx(ctx, "end session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, toMS(at), string(id))
		if err != nil {
			return wrapErr("end session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapErr("end session", err)
		}
		if n == 1 {
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, string(id)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return wrapErr("end session", err)
		}
		return fmt.Errorf("session %s: %w", id, types.ErrAlreadyEnded)
	})
}

// PendingSessions returns ended sessions with events not yet processed for
// memory generation, oldest first.
func (d *DB) PendingSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.querySessions(ctx, "pending sessions", `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.ended_at IS NOT NULL
		AND EXISTS (SELECT 1 FROM session_events e WHERE e.session_id = s.id AND e.memory_processed = 0)
		ORDER BY s.ended_at ASC
		LIMIT ?`, limit)
}

func (d *DB) querySessions(ctx context.Context, op, query string, args ...any) ([]*types.Session, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	sessions := []*types.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return sessions, nil
}

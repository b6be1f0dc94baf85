package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/user/agentmem/internal/types"
)

const eventColumns = `id, session_id, seq, type, role, content, payload, created_at, memory_processed`

func scanEvent(row rowScanner) (*types.Event, error) {
	var (
		ev      types.Event
		payload sql.NullString
		at      int64
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Type, &ev.Role, &ev.Content,
		&payload, &at, &ev.Processed); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		ev.Payload = []byte(payload.String)
	}
	ev.At = fromMS(at)
	return &ev, nil
}

// Append assigns the next sequence number for the session and stores the
// event. Concurrent appends that collide on the sequence are retried.
func (d *DB) Append(ctx context.Context, event *types.Event) error {
	if !event.Type.Valid() {
		return fmt.Errorf("append event: unknown type %q: %w", event.Type, types.ErrInvalidInput)
	}
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	if event.At.IsZero() {
		event.At = d.now().UTC()
	}
	return d.seqRetry.Do(ctx, func() error {
		return d.appendOnce(ctx, event)
	})
}

func (d *DB) appendOnce(ctx context.Context, event *types.Event) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}

	return d.withTx(ctx, "append event", func(tx *sql.Tx) error {
		var ended sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT ended_at FROM sessions WHERE id = ?`, string(event.SessionID)).Scan(&ended)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", event.SessionID, types.ErrNotFound)
		}
		if err != nil {
			return wrapErr("append event: load session", err)
		}
		if ended.Valid {
			return fmt.Errorf("session %s: %w", event.SessionID, types.ErrAlreadyEnded)
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?`, string(event.SessionID),
		).Scan(&next); err != nil {
			return wrapErr("append event: next seq", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			string(event.ID), string(event.SessionID), next, string(event.Type), event.Role, event.Content, payload, toMS(event.At),
		); err != nil {
			if isUniqueViolation(err) && strings.Contains(err.Error(), "seq") {
				return fmt.Errorf("append event seq %d: %w", next, types.ErrSequenceConflict)
			}
			if isUniqueViolation(err) {
				return fmt.Errorf("append event %s: duplicate id: %w", event.ID, types.ErrInvalidInput)
			}
			return wrapErr("append event", err)
		}
		event.Seq = next
		return nil
	})
}

// Tail returns the last limit events in chronological order. A limit of zero
// or less returns every matching event.
func (d *DB) Tail(ctx context.Context, sessionID types.SessionID, limit int, eventTypes ...types.EventType) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM session_events WHERE session_id = ?`
	args := []any{string(sessionID)}
	if len(eventTypes) > 0 {
		query += ` AND type IN (` + placeholders(len(eventTypes)) + `)`
		for _, t := range eventTypes {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	events, err := d.queryEvents(ctx, "tail events", query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// List returns every event of the session in sequence order.
func (d *DB) List(ctx context.Context, sessionID types.SessionID) ([]*types.Event, error) {
	return d.queryEvents(ctx, "list events",
		`SELECT `+eventColumns+` FROM session_events WHERE session_id = ? ORDER BY seq ASC`, string(sessionID))
}

// Count returns the number of events in the session.
func (d *DB) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var n int64
	if err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_events WHERE session_id = ?`, string(sessionID)).Scan(&n); err != nil {
		return 0, wrapErr("count events", err)
	}
	return n, nil
}

// Unprocessed returns events not yet consumed by memory generation.
func (d *DB) Unprocessed(ctx context.Context, sessionID types.SessionID) ([]*types.Event, error) {
	return d.queryEvents(ctx, "unprocessed events",
		`SELECT `+eventColumns+` FROM session_events
		WHERE session_id = ? AND memory_processed = 0 ORDER BY seq ASC`, string(sessionID))
}

// MarkProcessed flags the given events as consumed by memory generation.
func (d *DB) MarkProcessed(ctx context.Context, sessionID types.SessionID, ids []types.EventID) error {
	if len(ids) == 0 {
		return nil
	}
	const chunk = 200
	return d.withTx(ctx, "mark processed", func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += chunk {
			end := min(start+chunk, len(ids))
			args := make([]any, 0, end-start+1)
			args = append(args, string(sessionID))
			for _, id := range ids[start:end] {
				args = append(args, string(id))
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE session_events SET memory_processed = 1
				WHERE session_id = ? AND id IN (`+placeholders(end-start)+`)`, args...); err != nil {
				return wrapErr("mark processed", err)
			}
		}
		return nil
	})
}

func (d *DB) queryEvents(ctx context.Context, op, query string, args ...any) ([]*types.Event, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	events := []*types.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return events, nil
}

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/user/agentmem/internal/types"
)

const memoryColumns = `m.id, m.namespace, m.content, m.category, m.metadata, m.source_type, m.confidence,
	m.use_count, m.last_used_at, m.created_at, m.expires_at, m.lineage`

func scanMemory(row rowScanner, extra ...any) (*types.Memory, error) {
	var (
		mem      types.Memory
		metadata string
		lineage  string
		lastUsed sql.NullInt64
		created  int64
		expires  sql.NullInt64
	)
	dest := []any{&mem.ID, &mem.Namespace, &mem.Content, &mem.Category, &metadata, &mem.SourceType,
		&mem.Confidence, &mem.UseCount, &lastUsed, &created, &expires, &lineage}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	mem.LastUsedAt = timePtr(lastUsed)
	mem.CreatedAt = fromMS(created)
	mem.ExpiresAt = timePtr(expires)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("decode memory metadata: %w", err)
		}
	}
	if lineage != "" && lineage != "[]" {
		if err := json.Unmarshal([]byte(lineage), &mem.Lineage); err != nil {
			return nil, fmt.Errorf("decode memory lineage: %w", err)
		}
	}
	return &mem, nil
}

func encodeMemory(mem *types.Memory) (metadata, lineage string, err error) {
	metadata, err = encodeJSON(mem.Metadata, "{}")
	if err != nil {
		return "", "", fmt.Errorf("encode memory metadata: %w", err)
	}
	lineage, err = encodeJSON(mem.Lineage, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode memory lineage: %w", err)
	}
	return metadata, lineage, nil
}

// InsertMemory stores a new memory. ID and CreatedAt are filled when empty.
func (d *DB) InsertMemory(ctx context.Context, mem *types.Memory) error {
	if _, err := types.ParseCategory(string(mem.Category)); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if strings.TrimSpace(mem.Content) == "" {
		return fmt.Errorf("insert memory: empty content: %w", types.ErrInvalidInput)
	}
	if mem.ID == "" {
		mem.ID = types.NewMemoryID()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = d.now().UTC()
	}
	metadata, lineage, err := encodeMemory(mem)
	if err != nil {
		return err
	}

	return d.withTx(ctx, "insert memory", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, namespace, content, category, metadata, source_type, confidence,
				use_count, last_used_at, created_at, expires_at, lineage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(mem.ID), mem.Namespace, mem.Content, string(mem.Category), metadata, mem.SourceType,
			mem.Confidence, mem.UseCount, nullMS(mem.LastUsedAt), toMS(mem.CreatedAt), nullMS(mem.ExpiresAt), lineage,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert memory %s: duplicate id: %w", mem.ID, types.ErrInvalidInput)
			}
			return wrapErr("insert memory", err)
		}
		return nil
	})
}

// GetMemory returns the memory with the given ID, expired or not.
func (d *DB) GetMemory(ctx context.Context, id types.MemoryID) (*types.Memory, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories m WHERE m.id = ?`, string(id))
	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get memory", err)
	}
	return mem, nil
}

// UpdateMemory overwrites the mutable fields of an existing memory.
func (d *DB) UpdateMemory(ctx context.Context, mem *types.Memory) error {
	metadata, lineage, err := encodeMemory(mem)
	if err != nil {
		return err
	}
	return d.withTx(ctx, "update memory", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET content = ?, metadata = ?, confidence = ?, use_count = ?,
				last_used_at = ?, expires_at = ?, lineage = ?
			WHERE id = ?`,
			mem.Content, metadata, mem.Confidence, mem.UseCount,
			nullMS(mem.LastUsedAt), nullMS(mem.ExpiresAt), lineage, string(mem.ID),
		)
		if err != nil {
			return wrapErr("update memory", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapErr("update memory", err)
		}
		if n == 0 {
			return fmt.Errorf("memory %s: %w", mem.ID, types.ErrNotFound)
		}
		return nil
	})
}

// SearchMemories ranks unexpired memories of a namespace against free text
// using FTS5 bm25. Any query token may match. Rank is normalized to [0,1),
// higher is better.
func (d *DB) SearchMemories(ctx context.Context, q types.SearchQuery) ([]types.RankedMemory, error) {
	terms := queryTerms(q.Text)
	match := ftsQuery(terms)
	if match == "" {
		return []types.RankedMemory{}, nil
	}
	now := q.Now
	if now.IsZero() {
		now = d.now()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + memoryColumns + `, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.pk = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.namespace = ?
		AND (m.expires_at IS NULL OR m.expires_at > ?)`
	args := []any{match, q.Namespace, toMS(now)}
	if q.Category != "" {
		query += ` AND m.category = ?`
		args = append(args, string(q.Category))
	}
	query += ` ORDER BY score ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("search memories", err)
	}
	defer rows.Close()

	results := []types.RankedMemory{}
	for rows.Next() {
		var score float64
		mem, err := scanMemory(rows, &score)
		if err != nil {
			return nil, wrapErr("search memories: scan", err)
		}
		results = append(results, types.RankedMemory{Memory: mem, Rank: textRank(terms, mem.Content, score)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("search memories", err)
	}
	return results, nil
}

// textRank averages query term coverage with the normalized bm25 score.
// bm25 alone collapses towards zero for terms that occur in most rows (FTS5
// clamps their idf), which happens in small namespaces; coverage keeps a
// plain full match meaningful there. The result is in [0,1).
func textRank(terms []string, content string, bm25 float64) float64 {
	return (coverage(terms, content) + normalizeRank(bm25)) / 2
}

// normalizeRank maps a bm25 score (lower is better, usually negative) onto
// [0,1).
func normalizeRank(bm25 float64) float64 {
	s := -bm25
	if s <= 0 {
		return 0
	}
	return s / (1 + s)
}

// queryTerms splits free text into distinct lowercase letter/digit runs,
// matching how the unicode61 tokenizer splits content.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// ftsQuery turns free text into an FTS5 OR query of quoted tokens so that
// user input can never be parsed as query syntax.
func ftsQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// coverage is the fraction of query terms present in content.
func coverage(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range queryTerms(content) {
		have[t] = true
	}
	n := 0
	for _, t := range terms {
		if have[t] {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

// importanceExpr mirrors Memory.Importance: the metadata value clamped to
// [0,1], or the default when it is missing or not a number.
var importanceExpr = fmt.Sprintf(`CASE WHEN json_type(m.metadata, '$.importance') IN ('integer', 'real')
	THEN MIN(MAX(json_extract(m.metadata, '$.importance'), 0.0), 1.0)
	ELSE %g END`, types.DefaultImportance)

// ListMemories returns memories in filter.Order, newest first by default.
// Ties are broken by id so that Offset pages are stable.
func (d *DB) ListMemories(ctx context.Context, filter types.MemoryFilter) ([]*types.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE m.namespace = ?`
	args := []any{filter.Namespace}
	if filter.Category != "" {
		query += ` AND m.category = ?`
		args = append(args, string(filter.Category))
	}
	if !filter.IncludeExpired {
		now := filter.Now
		if now.IsZero() {
			now = d.now()
		}
		query += ` AND (m.expires_at IS NULL OR m.expires_at > ?)`
		args = append(args, toMS(now))
	}
	if !filter.Since.IsZero() {
		query += ` AND m.created_at >= ?`
		args = append(args, toMS(filter.Since))
	}
	if len(filter.Tags) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(m.metadata, '$.tags') t WHERE t.value IN (` +
			placeholders(len(filter.Tags)) + `))`
		for _, tag := range filter.Tags {
			args = append(args, tag)
		}
	}
	switch filter.Order {
	case types.OrderNewest:
		query += ` ORDER BY m.created_at DESC, m.id`
	case types.OrderImportance:
		query += ` ORDER BY ` + importanceExpr + ` DESC, m.created_at DESC, m.id`
	default:
		return nil, fmt.Errorf("list memories: unknown order %q: %w", filter.Order, types.ErrInvalidInput)
	}
	switch {
	case filter.Limit > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	case filter.Offset > 0:
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list memories", err)
	}
	defer rows.Close()

	memories := []*types.Memory{}
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, wrapErr("list memories: scan", err)
		}
		memories = append(memories, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list memories", err)
	}
	return memories, nil
}

// TouchMemories increments use_count and sets last_used_at.
func (d *DB) TouchMemories(ctx context.Context, ids []types.MemoryID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMS(at))
	for _, id := range ids {
		args = append(args, string(id))
	}
	return d.withTx(ctx, "touch memories", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET use_count = use_count + 1, last_used_at = ?
			WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
			return wrapErr("touch memories", err)
		}
		return nil
	})
}

// PurgeExpired deletes memories whose expiry is at or before now.
func (d *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := d.withTx(ctx, "purge expired", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`, toMS(now))
		if err != nil {
			return wrapErr("purge expired", err)
		}
		n, err = res.RowsAffected()
		return wrapErr("purge expired", err)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

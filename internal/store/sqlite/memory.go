package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-ai/castellan/internal/store"
)

type memoryStore struct {
	db *sql.DB
}

func (s *memoryStore) Save(ctx context.Context, userID, category, topic, content string) (*store.Memory, error) {
	if !store.ValidCategory(category) {
		return nil, fmt.Errorf("memory: unknown category %q", category)
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	// Upsert on (user_id, category, topic): re-saving replaces content but
	// keeps the original id, created_at and access_count.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, category, topic, content, access_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, category, topic) DO UPDATE SET
			content = excluded.content,
			last_accessed_at = excluded.last_accessed_at`,
		id, userID, category, topic, content, now, now)
	if err != nil {
		return nil, fmt.Errorf("memory: save: %w", err)
	}

	return s.get(ctx, userID, category, topic)
}

func (s *memoryStore) get(ctx context.Context, userID, category, topic string) (*store.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ? AND category = ? AND topic = ?`,
		userID, category, topic)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *memoryStore) GetByCategory(ctx context.Context, userID, category string) ([]store.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ? AND category = ? ORDER BY created_at`,
		userID, category)
	if err != nil {
		return nil, fmt.Errorf("memory: by category: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *memoryStore) List(ctx context.Context, userID string) ([]store.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ? ORDER BY category, created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *memoryStore) Search(ctx context.Context, userID, query string, limit int) ([]store.Memory, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 6
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.category, m.topic, m.content, m.access_count, m.created_at, m.last_accessed_at
		FROM memories m
		JOIN memories_fts f ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ?
		ORDER BY f.rank
		LIMIT ?`,
		match, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	hits, err := collectMemories(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Each hit counts one access.
	now := time.Now().UTC()
	for i := range hits {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
			WHERE id = ?`, now, hits[i].ID); err != nil {
			return nil, fmt.Errorf("memory: bump access: %w", err)
		}
		hits[i].AccessCount++
		hits[i].LastAccessedAt = now
	}
	return hits, nil
}

func (s *memoryStore) DeleteByID(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *memoryStore) DeleteByTopic(ctx context.Context, userID, category, topic string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND category = ? AND topic = ?`,
		userID, category, topic)
	if err != nil {
		return fmt.Errorf("memory: delete by topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms so user
// input can never inject FTS syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (*store.Memory, error) {
	var m store.Memory
	if err := r.Scan(&m.ID, &m.UserID, &m.Category, &m.Topic, &m.Content,
		&m.AccessCount, &m.CreatedAt, &m.LastAccessedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]store.Memory, error) {
	var out []store.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

package pg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castellan-ai/castellan/internal/store"
)

type memoryStore struct {
	pool *pgxpool.Pool
}

func (s *memoryStore) Save(ctx context.Context, userID, category, topic, content string) (*store.Memory, error) {
	if !store.ValidCategory(category) {
		return nil, fmt.Errorf("memory: unknown category %q", category)
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	// Upsert on (user_id, category, topic): re-saving replaces content but
	// keeps the original id, created_at and access_count.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, category, topic, content, access_count, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (user_id, category, topic) DO UPDATE SET
			content = excluded.content,
			last_accessed_at = excluded.last_accessed_at`,
		id, userID, category, topic, content, now, now)
	if err != nil {
		return nil, fmt.Errorf("memory: save: %w", err)
	}

	return s.get(ctx, userID, category, topic)
}

func (s *memoryStore) get(ctx context.Context, userID, category, topic string) (*store.Memory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = $1 AND category = $2 AND topic = $3`,
		userID, category, topic)
	m, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *memoryStore) GetByCategory(ctx context.Context, userID, category string) ([]store.Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = $1 AND category = $2 ORDER BY created_at`,
		userID, category)
	if err != nil {
		return nil, fmt.Errorf("memory: by category: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *memoryStore) List(ctx context.Context, userID string) ([]store.Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = $1 ORDER BY category, created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *memoryStore) Search(ctx context.Context, userID, query string, limit int) ([]store.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 6
	}

	// plainto_tsquery treats the input as plain words, so user text can never
	// inject tsquery syntax.
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories
		WHERE user_id = $1 AND search_vec @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(search_vec, plainto_tsquery('simple', $2)) DESC
		LIMIT $3`,
		userID, query, limit)
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
		if _, err := s.pool.Exec(ctx, `
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1
			WHERE id = $2`, now, hits[i].ID); err != nil {
			return nil, fmt.Errorf("memory: bump access: %w", err)
		}
		hits[i].AccessCount++
		hits[i].LastAccessedAt = now
	}
	return hits, nil
}

func (s *memoryStore) DeleteByID(ctx context.Context, userID, id string) error {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *memoryStore) DeleteByTopic(ctx context.Context, userID, category, topic string) error {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND category = $2 AND topic = $3`,
		userID, category, topic)
	if err != nil {
		return fmt.Errorf("memory: delete by topic: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanMemory(r pgx.Row) (*store.Memory, error) {
	var m store.Memory
	if err := r.Scan(&m.ID, &m.UserID, &m.Category, &m.Topic, &m.Content,
		&m.AccessCount, &m.CreatedAt, &m.LastAccessedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMemories(rows pgx.Rows) ([]store.Memory, error) {
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

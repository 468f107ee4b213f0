package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castellan-ai/castellan/internal/store"
)

type soulStore struct {
	pool *pgxpool.Pool
}

func (s *soulStore) Append(ctx context.Context, content, hash string) (*store.SoulVersion, error) {
	v := &store.SoulVersion{
		ID:        uuid.NewString(),
		Content:   content,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO soul_versions (id, content, hash, created_at) VALUES ($1, $2, $3, $4)`,
		v.ID, v.Content, v.Hash, v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("soul: append: %w", err)
	}
	return v, nil
}

func (s *soulStore) Latest(ctx context.Context) (*store.SoulVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, content, hash, created_at FROM soul_versions
		ORDER BY created_at DESC LIMIT 1`)
	var v store.SoulVersion
	if err := row.Scan(&v.ID, &v.Content, &v.Hash, &v.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (s *soulStore) List(ctx context.Context, limit int) ([]store.SoulVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, hash, created_at FROM soul_versions
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("soul: list: %w", err)
	}
	defer rows.Close()

	var out []store.SoulVersion
	for rows.Next() {
		var v store.SoulVersion
		if err := rows.Scan(&v.ID, &v.Content, &v.Hash, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

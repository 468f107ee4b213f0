// Package pg is the Postgres storage backend, selected when a DSN is
// provided. Schema mirrors the sqlite backend with tsvector search in place
// of FTS5.
package pg

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxstdlib "github.com/jackc/pgx/v5/stdlib"

	"github.com/castellan-ai/castellan/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres, applies migrations, and returns the store bundle.
func Open(ctx context.Context, dsn string) (*store.Stores, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	slog.Info("store.pg.opened")
	return &store.Stores{
		Memory:       &memoryStore{pool: pool},
		Approvals:    &approvalStore{pool: pool},
		SoulVersions: &soulStore{pool: pool},
		Close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

// Migrate applies all pending schema migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pg: load migrations: %w", err)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("pg: parse dsn: %w", err)
	}
	db := pgxstdlib.OpenDB(*connCfg)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("pg: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("pg: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

// Package postgres implements the store on PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/smtp-mask-relay/internal/store"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL-backed store.
type Store struct {
	pool *pgxpool.Pool
}

// PoolConfig tunes the connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Open connects to the database at connString, verifies the connection and
// applies the schema.
func Open(ctx context.Context, connString string, poolCfg PoolConfig) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}

	slog.Info("connecting to postgres",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// PutAlias inserts an alias record. Used by tests and provisioning tools.
func (s *Store) PutAlias(ctx context.Context, a store.Alias) error {
	dest := a.Dest
	if dest == nil {
		dest = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aliases (user_name, host, active, dest, two_way_relay) VALUES ($1, $2, $3, $4, $5)`,
		a.User, a.Host, a.Active, dest, a.TwoWayRelay)
	if err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

func (s *Store) FindAlias(ctx context.Context, user, host string) (*store.Alias, error) {
	a := store.Alias{User: user, Host: host, Active: true}
	err := s.pool.QueryRow(ctx,
		`SELECT dest, two_way_relay FROM aliases
		 WHERE user_name = $1 AND host = $2 AND active
		 ORDER BY id LIMIT 1`,
		user, host).Scan(&a.Dest, &a.TwoWayRelay)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias: %w", err)
	}
	return &a, nil
}

func (s *Store) FindThread(ctx context.Context, id string) (*store.Thread, error) {
	t := store.Thread{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT origin, dest, alias FROM threads WHERE id = $1`, id).
		Scan(&t.Origin, &t.Dest, &t.Alias)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t store.Thread) (*store.Thread, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, origin, dest, alias) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Origin, t.Dest, t.Alias)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert thread: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &t, true, nil
	}

	existing, err := s.FindThread(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) Name() string {
	return "postgres"
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

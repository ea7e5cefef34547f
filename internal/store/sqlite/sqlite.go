// Package sqlite implements the store on a local SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/shineum/smtp-mask-relay/internal/store"
)

//go:embed schema.sql
var schema string

// Store is a SQLite-backed store. Destinations are kept as a JSON array.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes thread inserts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// PutAlias inserts an alias record. The relay never writes aliases; this is
// used by tests and provisioning tools.
func (s *Store) PutAlias(ctx context.Context, a store.Alias) error {
	dest, err := json.Marshal(a.Dest)
	if err != nil {
		return fmt.Errorf("failed to encode destinations: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO aliases (user, host, active, dest, two_way_relay) VALUES (?, ?, ?, ?, ?)`,
		a.User, a.Host, a.Active, string(dest), a.TwoWayRelay)
	if err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

func (s *Store) FindAlias(ctx context.Context, user, host string) (*store.Alias, error) {
	var (
		a    = store.Alias{User: user, Host: host, Active: true}
		dest string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT dest, two_way_relay FROM aliases
		 WHERE user = ? AND host = ? AND active = 1
		 ORDER BY id LIMIT 1`,
		user, host).Scan(&dest, &a.TwoWayRelay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias: %w", err)
	}

	if err := json.Unmarshal([]byte(dest), &a.Dest); err != nil {
		return nil, fmt.Errorf("failed to decode destinations for %s: %w", a.Address(), err)
	}
	return &a, nil
}

func (s *Store) FindThread(ctx context.Context, id string) (*store.Thread, error) {
	t := store.Thread{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT origin, dest, alias FROM threads WHERE id = ?`, id).
		Scan(&t.Origin, &t.Dest, &t.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t store.Thread) (*store.Thread, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, origin, dest, alias) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Origin, t.Dest, t.Alias)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert thread: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 1 {
		return &t, true, nil
	}

	existing, err := s.FindThread(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

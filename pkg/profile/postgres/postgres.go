// Package postgres stores profiles as JSONB rows in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tastemate/pkg/profile"
)

var _ profile.Store = (*Store)(nil)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id          TEXT         PRIMARY KEY,
    data        JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the profiles table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlProfiles); err != nil {
		return fmt.Errorf("profile migrate: %w", err)
	}
	return nil
}

// Store reads and writes the row for one profile id. Safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	id    string
	owned bool
}

// NewStore connects to dsn, runs [Migrate] and returns a Store for id.
// Call Close when done.
func NewStore(ctx context.Context, dsn, id string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("profile store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: ping: %w", err)
	}
	s, err := New(ctx, pool, id)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing pool. The pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, id string) (*Store, error) {
	if id == "" {
		return nil, errors.New("profile store: id must not be empty")
	}
	if err := Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	return &Store{pool: pool, id: id}, nil
}

// Load implements [profile.Store].
func (s *Store) Load(ctx context.Context) (*profile.UserProfile, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM profiles WHERE id = $1`, s.id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile store: %q: %w", s.id, profile.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("profile store: load: %w", err)
	}
	var p profile.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile store: decode: %w", err)
	}
	return &p, nil
}

// Save implements [profile.Store] as an upsert.
func (s *Store) Save(ctx context.Context, p *profile.UserProfile) error {
	if p == nil {
		return errors.New("profile store: nil profile")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile store: encode: %w", err)
	}
	const q = `
		INSERT INTO profiles (id, data, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE
		    SET data = EXCLUDED.data, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, s.id, string(raw)); err != nil {
		return fmt.Errorf("profile store: save: %w", err)
	}
	return nil
}

// Delete implements [profile.Store].
func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, s.id); err != nil {
		return fmt.Errorf("profile store: delete: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool if the Store created it.
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

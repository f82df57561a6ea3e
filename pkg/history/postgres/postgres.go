// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Entries live in a single history_entries table keyed by profile id, with a
// GIN full-text index that backs [Store.Search]. [Migrate] creates the table
// and indexes on first use.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tastemate/pkg/history"
)

var (
	_ history.Store    = (*Store)(nil)
	_ history.Searcher = (*Store)(nil)
)

const ddlHistoryEntries = `
CREATE TABLE IF NOT EXISTS history_entries (
    id          BIGSERIAL    PRIMARY KEY,
    profile_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_entries_profile_id
    ON history_entries (profile_id, id);

CREATE INDEX IF NOT EXISTS idx_history_entries_fts
    ON history_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the history schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlHistoryEntries); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// Store is a conversation log for one profile. All methods are safe for
// concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	profileID string
	owned     bool
}

// NewStore connects to dsn, runs [Migrate] and returns a Store scoped to
// profileID. Call Close when done.
func NewStore(ctx context.Context, dsn, profileID string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	s, err := New(ctx, pool, profileID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing pool. The pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, profileID string) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool, profileID: profileID}, nil
}

// Append implements [history.Store]. Entries are written in one batch so
// they keep their relative order.
func (s *Store) Append(ctx context.Context, entries ...history.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO history_entries (profile_id, role, text, source, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		batch.Queue(q, s.profileID, e.Role, e.Text, e.Source, ts)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	q := `
		SELECT role, text, source, timestamp
		FROM   history_entries
		WHERE  profile_id = $1
		ORDER  BY id DESC`
	args := []any{s.profileID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

// Search implements [history.Searcher] using plainto_tsquery, so no operator
// syntax is required. The newest limit matches are returned.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]history.Entry, error) {
	q := `
		SELECT role, text, source, timestamp
		FROM   history_entries
		WHERE  profile_id = $1
		  AND  to_tsvector('english', text) @@ plainto_tsquery('english', $2)
		ORDER  BY id DESC`
	args := []any{s.profileID, query}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
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

func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var e history.Entry
		err := row.Scan(&e.Role, &e.Text, &e.Source, &e.Timestamp)
		return e, err
	})
}

// Package memstore is an in-process [history.Store].
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/tastemate/pkg/history"
)

var (
	_ history.Store    = (*Store)(nil)
	_ history.Searcher = (*Store)(nil)
)

// Store keeps entries in memory. The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	entries []history.Entry
	max     int
}

// New returns a Store that retains at most max entries, discarding the oldest
// first. A max of 0 or less keeps everything.
func New(max int) *Store {
	return &Store{max: max}
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, entries ...history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	if s.max > 0 && len(s.entries) > s.max {
		s.entries = append([]history.Entry(nil), s.entries[len(s.entries)-s.max:]...)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.entries) > limit {
		start = len(s.entries) - limit
	}
	return append([]history.Entry(nil), s.entries[start:]...), nil
}

// Search implements [history.Searcher] with a case-insensitive substring
// match. The newest limit matches are returned.
func (s *Store) Search(_ context.Context, query string, limit int) ([]history.Entry, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []history.Entry
	for _, e := range s.entries {
		if q == "" || strings.Contains(strings.ToLower(e.Text), q) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

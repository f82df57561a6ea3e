// Package mock provides an in-memory [profile.Store] for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/tastemate/pkg/profile"
)

var _ profile.Store = (*Store)(nil)

// Store holds one profile in memory. Set the *Err fields to inject
// failures. A nil Profile makes Load return profile.ErrNotFound.
type Store struct {
	mu sync.Mutex

	Profile *profile.UserProfile
	LoadErr error
	SaveErr   error
	DeleteErr error
	PingErr   error

	LoadCalls   int
	SaveCalls   int
	DeleteCalls int
}

// Load returns a copy of Profile.
func (s *Store) Load(context.Context) (*profile.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadCalls++
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if s.Profile == nil {
		return nil, fmt.Errorf("mock: %w", profile.ErrNotFound)
	}
	cp := *s.Profile
	return &cp, nil
}

// Save stores a copy of p.
func (s *Store) Save(_ context.Context, p *profile.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	cp := *p
	s.Profile = &cp
	return nil
}

// Delete clears Profile.
func (s *Store) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.Profile = nil
	return nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

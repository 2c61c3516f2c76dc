// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/redis
// or features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/orchestra/runtime/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return session.Clone(existing), nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = session.Clone(sess)
	return nil
}

// Update implements session.Store. The mutation runs under the store lock,
// which serializes read-modify-write across all callers.
func (s *Store) Update(_ context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if fn == nil {
		return session.Session{}, errors.New("mutation function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	next := session.Clone(existing)
	if err := fn(&next); err != nil {
		return session.Session{}, err
	}
	next.ID = id
	s.sessions[id] = next
	return session.Clone(next), nil
}

// List implements session.Store.
func (s *Store) List(_ context.Context, filter session.Filter) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !filter.Matches(sess) {
			continue
		}
		out = append(out, session.Clone(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Reset removes all sessions. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]session.Session)
}

package mongo

import (
	"context"
	"errors"
	"fmt"

	clientsmongo "goa.design/orchestra/features/session/mongo/clients/mongo"
	"goa.design/orchestra/runtime/session"
)

// maxCASRetries bounds the optimistic update loop. Contention on a single
// session is rare since cycles hold the process-local lock; the loop exists
// for multi-process deployments sharing one database.
const maxCASRetries = 16

// ErrUpdateConflict indicates an Update lost the version race more times
// than the retry budget allows.
var ErrUpdateConflict = errors.New("session update conflict")

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Save persists the session, replacing any previous document.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	return s.client.SaveSession(ctx, sess)
}

// Load retrieves the session with the given id.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	sess, _, err := s.client.LoadSession(ctx, id)
	return sess, err
}

// Update atomically applies fn to the stored session. The document's
// version counter guards the write; a concurrent writer triggers a retry
// with a freshly loaded session.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	for i := 0; i < maxCASRetries; i++ {
		sess, version, err := s.client.LoadSession(ctx, id)
		if err != nil {
			return session.Session{}, err
		}
		if err := fn(&sess); err != nil {
			return session.Session{}, err
		}
		swapped, err := s.client.ReplaceSession(ctx, sess, version)
		if err != nil {
			return session.Session{}, err
		}
		if swapped {
			return sess, nil
		}
	}
	return session.Session{}, fmt.Errorf("%w: session %s", ErrUpdateConflict, id)
}

// List returns sessions matching the filter ordered by StartedAt then ID.
func (s *Store) List(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	return s.client.ListSessions(ctx, filter)
}

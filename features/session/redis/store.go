// Package redis provides a Redis-backed session store.
//
// Sessions are stored as JSON values under a configurable key prefix.
// Update uses WATCH/MULTI so concurrent read-modify-write cycles against
// the same session retry instead of losing writes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/orchestra/runtime/session"
)

type (
	// Options configures a Store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces session keys. Defaults to
		// "orchestra:session:".
		KeyPrefix string
		// MaxTxRetries bounds optimistic transaction retries in Update.
		// Defaults to 16.
		MaxTxRetries int
	}

	// Store implements session.Store on Redis.
	Store struct {
		rdb       *redis.Client
		keyPrefix string
		txRetries int
	}
)

const (
	defaultKeyPrefix = "orchestra:session:"
	defaultTxRetries = 16
	storeName        = "session-redis"
)

// ErrTxConflict indicates an Update lost the optimistic transaction race
// more times than the retry budget allows.
var ErrTxConflict = errors.New("session update conflict")

// NewStore builds a Store from the options.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	retries := opts.MaxTxRetries
	if retries <= 0 {
		retries = defaultTxRetries
	}
	return &Store{rdb: opts.Client, keyPrefix: prefix, txRetries: retries}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.rdb.Ping(ctx).Err()
}

// Save persists the session, replacing any previous value.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	data, err := marshal(sess)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(sess.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the session with the given id.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return unmarshal(data)
}

// Update atomically applies fn to the stored session. The key is watched
// for the duration of the transaction; a concurrent write triggers a retry
// with a freshly loaded session.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	key := s.key(id)
	var updated session.Session
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := unmarshal(data)
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		out, err := marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = sess
		return nil
	}
	for i := 0; i < s.txRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return session.Session{}, err
		}
		return updated, nil
	}
	return session.Session{}, fmt.Errorf("%w: session %s", ErrTxConflict, id)
}

// List returns sessions matching the filter ordered by StartedAt then ID.
// Keys are discovered with SCAN so the call does not block the server.
func (s *Store) List(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	var out []session.Session
	iter := s.rdb.Scan(ctx, 0, s.keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// Deleted between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sess, err := unmarshal(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(sess) {
			out = append(out, sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// document is the JSON shape stored in Redis. It is decoupled from
// session.Session so the wire format stays stable under struct changes.
type document struct {
	ID            string              `json:"id"`
	Kind          session.Kind        `json:"kind"`
	Name          string              `json:"name,omitempty"`
	Description   string              `json:"description,omitempty"`
	Owner         string              `json:"owner,omitempty"`
	Targets       []string            `json:"targets"`
	Status        session.Status      `json:"status"`
	StartedAt     time.Time           `json:"started_at"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	Results       []session.Record    `json:"results,omitempty"`
	Performance   session.Performance `json:"performance"`
	CycleAttempts int                 `json:"cycle_attempts"`
	FailedCycles  int                 `json:"failed_cycles"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

func marshal(sess session.Session) ([]byte, error) {
	doc := document{
		ID:            sess.ID,
		Kind:          sess.Kind,
		Name:          sess.Name,
		Description:   sess.Description,
		Owner:         sess.Owner,
		Targets:       sess.Targets,
		Status:        sess.Status,
		StartedAt:     sess.StartedAt.UTC(),
		EndedAt:       sess.EndedAt,
		Results:       sess.Results,
		Performance:   sess.Performance,
		CycleAttempts: sess.CycleAttempts,
		FailedCycles:  sess.FailedCycles,
		FailureReason: sess.FailureReason,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return data, nil
}

func unmarshal(data []byte) (session.Session, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return session.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session.Session{
		ID:            doc.ID,
		Kind:          doc.Kind,
		Name:          doc.Name,
		Description:   doc.Description,
		Owner:         doc.Owner,
		Targets:       doc.Targets,
		Status:        doc.Status,
		StartedAt:     doc.StartedAt,
		EndedAt:       doc.EndedAt,
		Results:       doc.Results,
		Performance:   doc.Performance,
		CycleAttempts: doc.CycleAttempts,
		FailedCycles:  doc.FailedCycles,
		FailureReason: doc.FailureReason,
	}, nil
}

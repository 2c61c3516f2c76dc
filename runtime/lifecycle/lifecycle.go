// Package lifecycle manages orchestrated session lifecycles.
//
// The Manager is the only component that creates sessions and the only one
// that applies caller-requested status transitions. It shares a per-session
// lock set with the cycle executor so transitions requested while a cycle
// is in flight are applied strictly after that cycle's mutation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/orchestra/runtime/session"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Descriptor describes a session to create.
	Descriptor struct {
		// Kind selects the capability set the session runs against.
		Kind session.Kind
		// Name is a display name. Optional.
		Name string
		// Description documents the session's purpose. Optional.
		Description string
		// Owner attributes the session to a caller or tenant. Optional.
		Owner string
		// Targets are the domain objects the session operates over.
		// At least one is required.
		Targets []string
	}

	// Runner executes one cycle for a session. The cycle executor satisfies
	// it; the manager triggers a run when a session is resumed.
	Runner interface {
		RunCycle(ctx context.Context, sessionID string) (bool, error)
	}

	// Options configures a Manager.
	Options struct {
		// Store persists sessions. Required.
		Store session.Store
		// Locks serializes transitions with in-flight cycles. The same
		// instance must be shared with the cycle executor. Required.
		Locks *session.LockSet
		// Runner runs one cycle after a resume. Optional; when nil, resume
		// only flips the status.
		Runner Runner
		// Logger receives lifecycle events. Defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics receives lifecycle counters. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Manager creates sessions and enforces the lifecycle state machine.
	Manager struct {
		store   session.Store
		locks   *session.LockSet
		runner  Runner
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
		newID   func() string
	}
)

var (
	// ErrInvalidDescriptor indicates session creation input failed
	// validation.
	ErrInvalidDescriptor = errors.New("invalid session descriptor")
	// ErrInvalidTransition indicates the requested lifecycle change is
	// illegal from the session's current status.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// New builds a Manager from the options.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("session lock set is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{
		store:   opts.Store,
		locks:   opts.Locks,
		runner:  opts.Runner,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Create validates the descriptor, allocates a new active session and
// persists it.
func (m *Manager) Create(ctx context.Context, desc Descriptor) (session.Session, error) {
	if err := validate(desc); err != nil {
		return session.Session{}, err
	}
	sess := session.Session{
		ID:          m.newID(),
		Kind:        desc.Kind,
		Name:        desc.Name,
		Description: desc.Description,
		Owner:       desc.Owner,
		Targets:     append([]string(nil), desc.Targets...),
		Status:      session.StatusActive,
		StartedAt:   m.now().UTC(),
		Performance: session.ComputePerformance(nil),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("save session: %w", err)
	}
	m.logger.Info(ctx, "session created", "session_id", sess.ID, "kind", string(sess.Kind), "targets", len(sess.Targets))
	m.metrics.IncCounter("orchestra.sessions.created", 1, "kind", string(sess.Kind))
	return sess, nil
}

// Pause suspends an active session. Paused sessions do not run cycles until
// resumed. A pause requested while a cycle is in flight takes effect after
// that cycle completes.
func (m *Manager) Pause(ctx context.Context, sessionID string) (session.Session, error) {
	return m.transition(ctx, sessionID, session.StatusPaused)
}

// Resume reactivates a paused session and, when a Runner is configured,
// triggers exactly one cycle.
func (m *Manager) Resume(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := m.transition(ctx, sessionID, session.StatusActive)
	if err != nil {
		return session.Session{}, err
	}
	if m.runner != nil {
		if _, err := m.runner.RunCycle(ctx, sessionID); err != nil {
			m.logger.Warn(ctx, "post-resume cycle failed", "session_id", sessionID, "err", err.Error())
		}
		// Return the post-cycle state so callers see the cycle's results.
		return m.store.Load(ctx, sessionID)
	}
	return sess, nil
}

// End completes a session. Ending an already-completed session is an
// idempotent no-op that returns the stored session; ending a failed session
// returns ErrInvalidTransition since completion would overwrite the failure
// record. An end requested while a cycle is in flight is applied after that
// cycle's mutation.
func (m *Manager) End(ctx context.Context, sessionID string) (session.Session, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status == session.StatusCompleted {
		return sess, nil
	}
	updated, err := m.store.Update(ctx, sessionID, func(s *session.Session) error {
		if !session.CanTransition(s.Status, session.StatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, session.StatusCompleted)
		}
		at := m.now().UTC()
		s.Status = session.StatusCompleted
		s.EndedAt = &at
		return nil
	})
	if err != nil {
		return session.Session{}, err
	}
	m.logger.Info(ctx, "session completed", "session_id", sessionID, "cycles", updated.CycleAttempts)
	m.metrics.IncCounter("orchestra.sessions.completed", 1, "kind", string(updated.Kind))
	return updated, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, sessionID string) (session.Session, error) {
	return m.store.Load(ctx, sessionID)
}

// List returns sessions matching the filter in the store's stable order.
func (m *Manager) List(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	return m.store.List(ctx, filter)
}

func (m *Manager) transition(ctx context.Context, sessionID string, to session.Status) (session.Session, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	updated, err := m.store.Update(ctx, sessionID, func(s *session.Session) error {
		if !session.CanTransition(s.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
		}
		s.Status = to
		return nil
	})
	if err != nil {
		return session.Session{}, err
	}
	m.logger.Info(ctx, "session transitioned", "session_id", sessionID, "status", string(to))
	return updated, nil
}

func validate(desc Descriptor) error {
	switch desc.Kind {
	case session.KindAnalytics, session.KindAutonomy, session.KindConversation:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, desc.Kind)
	}
	if len(desc.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidDescriptor)
	}
	for _, target := range desc.Targets {
		if target == "" {
			return fmt.Errorf("%w: empty target", ErrInvalidDescriptor)
		}
	}
	return nil
}

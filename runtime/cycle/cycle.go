// Package cycle executes orchestration cycles.
//
// One cycle consults the capability set bound to the session's kind: for
// every session target it invokes the set's operations in order, appends
// each call's result record to the session and recomputes the performance
// rollup from the full results history. A provider failure retains the
// partial records produced before it, flips the session to failed and
// records the cause.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/orchestra/runtime/provider"
	"goa.design/orchestra/runtime/session"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// CapabilitySet binds a session kind to a provider and the ordered
	// operations a cycle runs for each target.
	CapabilitySet struct {
		// Name identifies the set in logs and failure records.
		Name string
		// Provider performs the set's operations.
		Provider provider.Provider
		// Operations are invoked in order for every session target.
		Operations []string
	}

	// Options configures an Executor.
	Options struct {
		// Store persists sessions. Required.
		Store session.Store
		// Locks enforces the one-in-flight-cycle-per-session invariant. The
		// same instance must be shared with the lifecycle manager. Required.
		Locks *session.LockSet
		// Sets maps session kinds to capability sets. At least one entry is
		// required.
		Sets map[session.Kind]CapabilitySet
		// CallTimeout bounds each provider call. Zero disables the bound;
		// a timed-out call fails the cycle like any other provider error.
		CallTimeout time.Duration
		// Logger receives cycle events. Defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics receives cycle counters and timers. Defaults to no-op
		// metrics.
		Metrics telemetry.Metrics
		// Tracer wraps each cycle in a span. Defaults to the no-op tracer.
		Tracer telemetry.Tracer
	}

	// Executor runs cycles against sessions.
	Executor struct {
		store       session.Store
		locks       *session.LockSet
		sets        map[session.Kind]CapabilitySet
		callTimeout time.Duration
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		now         func() time.Time
		newID       func() string
	}
)

// ErrCycleInProgress indicates a cycle is already in flight for the
// session. Callers may retry once it completes; the executor fails fast
// rather than queueing.
var ErrCycleInProgress = errors.New("cycle already in progress")

// New builds an Executor from the options.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("session lock set is required")
	}
	if len(opts.Sets) == 0 {
		return nil, errors.New("at least one capability set is required")
	}
	for kind, set := range opts.Sets {
		if set.Provider == nil {
			return nil, fmt.Errorf("capability set for kind %q has no provider", kind)
		}
		if len(set.Operations) == 0 {
			return nil, fmt.Errorf("capability set for kind %q has no operations", kind)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Executor{
		store:       opts.Store,
		locks:       opts.Locks,
		sets:        opts.Sets,
		callTimeout: opts.CallTimeout,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// RunCycle executes one cycle for the session.
//
// Outcomes:
//   - (true, nil): the cycle ran and its results were persisted.
//   - (false, nil): nothing to do — the session does not exist, is not
//     active, or its kind has no capability set.
//   - (false, ErrCycleInProgress): another cycle holds the session.
//   - (false, err): a provider call failed (the session is now failed and
//     the wrapped provider error is returned) or the store failed.
//
// At most one cycle executes per session at a time; cycles for different
// sessions run concurrently.
func (e *Executor) RunCycle(ctx context.Context, sessionID string) (bool, error) {
	if !e.locks.TryLock(sessionID) {
		return false, ErrCycleInProgress
	}
	defer e.locks.Unlock(sessionID)

	sess, err := e.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != session.StatusActive {
		e.logger.Debug(ctx, "cycle skipped", "session_id", sessionID, "status", string(sess.Status))
		return false, nil
	}
	set, ok := e.sets[sess.Kind]
	if !ok {
		e.logger.Warn(ctx, "no capability set for session kind", "session_id", sessionID, "kind", string(sess.Kind))
		return false, nil
	}

	ctx, span := e.tracer.Start(ctx, "orchestra.cycle")
	defer span.End()
	span.AddEvent("cycle started", "session_id", sessionID, "kind", string(sess.Kind))

	start := e.now()
	attempt := sess.CycleAttempts + 1
	records, callErr := e.collect(ctx, set, sess, attempt)

	if callErr != nil {
		span.RecordError(callErr)
		if _, err := e.store.Update(ctx, sessionID, func(s *session.Session) error {
			s.Results = append(s.Results, records...)
			s.Performance = session.ComputePerformance(s.Results)
			s.CycleAttempts++
			s.FailedCycles++
			s.FailureReason = callErr.Error()
			at := e.now().UTC()
			s.Status = session.StatusFailed
			s.EndedAt = &at
			return nil
		}); err != nil {
			return false, fmt.Errorf("persist failed cycle: %w", err)
		}
		e.logger.Error(ctx, "cycle failed", "session_id", sessionID, "attempt", attempt, "err", callErr.Error())
		e.metrics.IncCounter("orchestra.cycles.failed", 1, "kind", string(sess.Kind))
		return false, callErr
	}

	if _, err := e.store.Update(ctx, sessionID, func(s *session.Session) error {
		s.Results = append(s.Results, records...)
		s.Performance = session.ComputePerformance(s.Results)
		s.CycleAttempts++
		return nil
	}); err != nil {
		return false, fmt.Errorf("persist cycle: %w", err)
	}

	e.logger.Info(ctx, "cycle completed", "session_id", sessionID, "attempt", attempt, "records", len(records))
	e.metrics.IncCounter("orchestra.cycles.completed", 1, "kind", string(sess.Kind))
	e.metrics.RecordTimer("orchestra.cycle.duration", e.now().Sub(start), "kind", string(sess.Kind))
	return true, nil
}

// collect invokes the capability set for every target and returns the
// records produced in call order. On a provider failure it returns the
// partial records alongside the wrapped error so forensic value is
// retained.
func (e *Executor) collect(ctx context.Context, set CapabilitySet, sess session.Session, attempt int) ([]session.Record, error) {
	records := make([]session.Record, 0, len(sess.Targets)*len(set.Operations))
	for _, target := range sess.Targets {
		for _, operation := range set.Operations {
			resp, err := e.invoke(ctx, set, operation, provider.Request{
				SessionID: sess.ID,
				Cycle:     attempt,
				Target:    target,
			})
			if err != nil {
				return records, wrapCallError(set, operation, target, err)
			}
			records = append(records, session.Record{
				ID:         e.newID(),
				Cycle:      attempt,
				Target:     target,
				Operation:  operation,
				Payload:    resp.Payload,
				Confidence: resp.Confidence,
				Timestamp:  e.now().UTC(),
			})
		}
	}
	return records, nil
}

func (e *Executor) invoke(ctx context.Context, set CapabilitySet, operation string, req provider.Request) (provider.Response, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return set.Provider.Invoke(ctx, operation, req)
}

// wrapCallError guarantees the recorded failure cause is a structured
// provider error even when the provider returned a plain one.
func wrapCallError(set CapabilitySet, operation, target string, err error) error {
	if _, ok := provider.AsError(err); ok {
		return err
	}
	name := set.Name
	if name == "" {
		name = "capability-set"
	}
	kind := provider.ErrorKindUnknown
	retryable := false
	if errors.Is(err, context.DeadlineExceeded) {
		kind = provider.ErrorKindTimeout
		retryable = true
	}
	return provider.NewError(name, operation, target, kind, "", retryable, err)
}

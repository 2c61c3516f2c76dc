// Package metrics aggregates fleet-wide session statistics.
//
// The Aggregator serves a cached snapshot recomputed at most once per TTL;
// Refresh bypasses the cache for callers that need exact numbers. Both
// paths derive everything from the session store, so the aggregator holds
// no state of its own beyond the cache.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/orchestra/runtime/session"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Snapshot is a point-in-time view of the session fleet.
	Snapshot struct {
		// TotalSessions counts every stored session regardless of status.
		TotalSessions int
		// ActiveSessions counts sessions currently in the active status.
		ActiveSessions int
		// AverageSuccessRate is the mean per-session cycle success rate over
		// terminal (completed or failed) sessions. A completed session with
		// no cycle attempts counts as fully successful. Zero when no session
		// has reached a terminal status yet.
		AverageSuccessRate float64
		// LastUpdated records when the snapshot was computed.
		LastUpdated time.Time
	}

	// Options configures an Aggregator.
	Options struct {
		// Store is the session store snapshots are derived from. Required.
		Store session.Store
		// TTL bounds snapshot staleness. Defaults to DefaultTTL; negative
		// values are rejected. Zero selects the default.
		TTL time.Duration
		// Logger receives aggregation events. Defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics receives fleet gauges on every recompute. Defaults to
		// no-op metrics.
		Metrics telemetry.Metrics
	}

	// Aggregator computes and caches fleet snapshots.
	Aggregator struct {
		store   session.Store
		ttl     time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time

		mu     sync.Mutex
		cached Snapshot
		valid  bool
	}
)

// DefaultTTL is the snapshot staleness bound used when Options.TTL is zero.
const DefaultTTL = 2 * time.Minute

// New builds an Aggregator from the options.
func New(opts Options) (*Aggregator, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("ttl must not be negative, got %s", opts.TTL)
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Aggregator{
		store:   opts.Store,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Metrics returns the cached snapshot, recomputing it first when the cache
// is older than the TTL.
func (a *Aggregator) Metrics(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.valid && a.now().Sub(a.cached.LastUpdated) < a.ttl {
		return a.cached, nil
	}
	return a.recompute(ctx)
}

// Refresh recomputes the snapshot regardless of cache age and returns the
// exact current numbers.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recompute(ctx)
}

// recompute derives a fresh snapshot and replaces the cache. Callers must
// hold mu.
func (a *Aggregator) recompute(ctx context.Context) (Snapshot, error) {
	sessions, err := a.store.List(ctx, session.Filter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list sessions: %w", err)
	}

	snap := Snapshot{
		TotalSessions: len(sessions),
		LastUpdated:   a.now().UTC(),
	}
	var (
		terminal int
		rateSum  float64
	)
	for _, sess := range sessions {
		if sess.Status == session.StatusActive {
			snap.ActiveSessions++
		}
		if !sess.Status.Terminal() {
			continue
		}
		terminal++
		rateSum += successRate(sess)
	}
	if terminal > 0 {
		snap.AverageSuccessRate = rateSum / float64(terminal)
	}
	a.cached = snap
	a.valid = true

	a.metrics.RecordGauge("orchestra.sessions.total", float64(snap.TotalSessions))
	a.metrics.RecordGauge("orchestra.sessions.active", float64(snap.ActiveSessions))
	a.metrics.RecordGauge("orchestra.sessions.success_rate", snap.AverageSuccessRate)
	a.logger.Debug(ctx, "fleet snapshot computed", "total", snap.TotalSessions, "active", snap.ActiveSessions)
	return snap, nil
}

// successRate computes a terminal session's cycle success rate. A completed
// session that never attempted a cycle is counted as fully successful since
// nothing failed.
func successRate(sess session.Session) float64 {
	if sess.CycleAttempts == 0 {
		if sess.Status == session.StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(sess.CycleAttempts-sess.FailedCycles) / float64(sess.CycleAttempts)
}

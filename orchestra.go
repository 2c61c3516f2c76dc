// Package orchestra wires the session lifecycle manager, cycle executor,
// report generator and metrics aggregator into a single orchestrator
// instance.
//
// Every orchestrator owns its dependencies explicitly: construct one per
// deployment (or per test) instead of sharing package-level state. The
// lifecycle manager and cycle executor share one per-session lock set so a
// transition requested while a cycle is in flight applies strictly after
// that cycle's mutation.
package orchestra

import (
	"context"
	"errors"
	"time"

	"goa.design/orchestra/runtime/cycle"
	"goa.design/orchestra/runtime/lifecycle"
	"goa.design/orchestra/runtime/metrics"
	"goa.design/orchestra/runtime/report"
	reportmem "goa.design/orchestra/runtime/report/inmem"
	"goa.design/orchestra/runtime/session"
	sessionmem "goa.design/orchestra/runtime/session/inmem"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Options configures an Orchestrator.
	Options struct {
		// Sessions persists sessions. Defaults to the in-memory store.
		Sessions session.Store
		// Reports persists generated reports. Defaults to the in-memory
		// store.
		Reports report.Store
		// Sets maps session kinds to capability sets. At least one entry is
		// required.
		Sets map[session.Kind]cycle.CapabilitySet
		// CallTimeout bounds each provider call within a cycle. Zero
		// disables the bound.
		CallTimeout time.Duration
		// MetricsTTL bounds fleet snapshot staleness. Zero selects the
		// aggregator default.
		MetricsTTL time.Duration
		// Logger receives orchestrator events. Defaults to the no-op
		// logger.
		Logger telemetry.Logger
		// Metrics receives counters, timers and gauges. Defaults to no-op
		// metrics.
		Metrics telemetry.Metrics
		// Tracer wraps cycles in spans. Defaults to the no-op tracer.
		Tracer telemetry.Tracer
	}

	// Orchestrator is the public surface of the session orchestration
	// runtime.
	Orchestrator struct {
		sessions  session.Store
		lifecycle *lifecycle.Manager
		cycles    *cycle.Executor
		reports   *report.Generator
		fleet     *metrics.Aggregator
	}
)

// New builds an Orchestrator from the options.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Sets) == 0 {
		return nil, errors.New("at least one capability set is required")
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = sessionmem.New()
	}
	reports := opts.Reports
	if reports == nil {
		reports = reportmem.New()
	}
	locks := session.NewLockSet()

	exec, err := cycle.New(cycle.Options{
		Store:       sessions,
		Locks:       locks,
		Sets:        opts.Sets,
		CallTimeout: opts.CallTimeout,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Tracer:      opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := lifecycle.New(lifecycle.Options{
		Store:   sessions,
		Locks:   locks,
		Runner:  exec,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	gen, err := report.New(report.Options{
		Sessions: sessions,
		Reports:  reports,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	fleet, err := metrics.New(metrics.Options{
		Store:   sessions,
		TTL:     opts.MetricsTTL,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		sessions:  sessions,
		lifecycle: mgr,
		cycles:    exec,
		reports:   gen,
		fleet:     fleet,
	}, nil
}

// StartSession validates the descriptor and creates a new active session.
func (o *Orchestrator) StartSession(ctx context.Context, desc lifecycle.Descriptor) (session.Session, error) {
	return o.lifecycle.Create(ctx, desc)
}

// PauseSession suspends an active session.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID string) (session.Session, error) {
	return o.lifecycle.Pause(ctx, sessionID)
}

// ResumeSession reactivates a paused session and triggers one cycle.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (session.Session, error) {
	return o.lifecycle.Resume(ctx, sessionID)
}

// EndSession completes a session. Ending a completed session is an
// idempotent no-op.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (session.Session, error) {
	return o.lifecycle.End(ctx, sessionID)
}

// GetSession returns the session with the given id.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	return o.lifecycle.Get(ctx, sessionID)
}

// ListSessions returns sessions matching the filter.
func (o *Orchestrator) ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	return o.lifecycle.List(ctx, filter)
}

// RunCycle executes one orchestration cycle for the session. See
// cycle.Executor.RunCycle for the outcome contract.
func (o *Orchestrator) RunCycle(ctx context.Context, sessionID string) (bool, error) {
	return o.cycles.RunCycle(ctx, sessionID)
}

// GenerateReport derives and persists a report of the given type from the
// session's current results.
func (o *Orchestrator) GenerateReport(ctx context.Context, sessionID string, typ report.Type) (report.Report, error) {
	return o.reports.Generate(ctx, sessionID, typ)
}

// Metrics returns the cached fleet snapshot, recomputing it when stale.
func (o *Orchestrator) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	return o.fleet.Metrics(ctx)
}

// RefreshMetrics recomputes the fleet snapshot regardless of cache age.
func (o *Orchestrator) RefreshMetrics(ctx context.Context) (metrics.Snapshot, error) {
	return o.fleet.Refresh(ctx)
}

// Package session defines the durable data model for orchestrated sessions.
//
// A Session is a bounded unit of orchestrated work: it is created with a set
// of caller-supplied targets, accumulates result records as cycles execute,
// and eventually reaches a terminal status. Session state lives behind the
// Store interface; everything else in the runtime operates on snapshots
// loaded from it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Session captures the full durable state of an orchestrated session.
	//
	// Contract:
	// - IDs are generated at creation and immutable.
	// - Targets are immutable after creation.
	// - Results is append-only: cycles only ever add records.
	// - Performance is always a pure function of Results and is recomputed
	//   from the full history after every cycle.
	Session struct {
		// ID is the unique identifier of the session.
		ID string
		// Kind selects the capability set the session runs against.
		Kind Kind
		// Name is a caller-supplied display name. Optional.
		Name string
		// Description is a caller-supplied description. Optional.
		Description string
		// Owner attributes the session to a caller or tenant. Optional.
		Owner string
		// Targets are the domain objects the session operates over
		// (metric names, goals, conversation topics). Immutable.
		Targets []string
		// Status is the current lifecycle state.
		Status Status
		// StartedAt records when the session was created.
		StartedAt time.Time
		// EndedAt is set when the session reaches a terminal status.
		EndedAt *time.Time
		// Results is the ordered, append-only sequence of records produced
		// by successive cycles.
		Results []Record
		// Performance is the derived rollup of Results.
		Performance Performance
		// CycleAttempts counts cycle executions attempted against this
		// session, including the one that failed it (if any). Kept outside
		// Performance because a cycle that fails before its first provider
		// call leaves no trace in Results.
		CycleAttempts int
		// FailedCycles counts cycle attempts that flipped the session to
		// StatusFailed. At most one, since failed is terminal.
		FailedCycles int
		// FailureReason records the provider error that failed the session.
		FailureReason string
	}

	// Record is a single typed result produced by one capability provider
	// call during a cycle.
	Record struct {
		// ID is the unique identifier of the record.
		ID string
		// Cycle is the 1-based cycle attempt that produced the record.
		Cycle int
		// Target is the session target the call operated on.
		Target string
		// Operation is the capability operation that produced the record
		// (for example "trend", "forecast", "decide", "summarize").
		Operation string
		// Payload is the provider's result, JSON-encoded verbatim.
		Payload json.RawMessage
		// Confidence is the provider-reported quality score in [0,1].
		Confidence float64
		// Timestamp is the record creation time.
		Timestamp time.Time
	}

	// Performance is the derived numeric rollup of a session's results.
	// It is always recomputed from the full Results history; no stale
	// derived value survives a cycle boundary.
	Performance struct {
		// Cycles is the number of distinct cycles observed in Results.
		Cycles int
		// Records is the total number of result records.
		Records int
		// RecordsByOperation counts records per capability operation.
		RecordsByOperation map[string]int
		// AverageConfidence is the mean confidence across all records,
		// 0 when there are none.
		AverageConfidence float64
	}

	// Filter restricts List results. Zero-value fields match everything.
	Filter struct {
		// Status matches sessions with the given status when non-empty.
		Status Status
		// Kind matches sessions of the given kind when non-empty.
		Kind Kind
		// Owner matches sessions with the given owner when non-empty.
		Owner string
	}

	// Store persists sessions.
	//
	// Contract:
	// - Save is an atomic upsert with respect to concurrent Save calls on
	//   the same id.
	// - Update is an atomic per-id read-modify-write: the mutation function
	//   receives the current session and its result is persisted as one
	//   unit. Updates on different ids never block each other.
	// - List order is stable for a given store state: ascending StartedAt,
	//   ties broken by ID.
	Store interface {
		// Load returns the session with the given id.
		// Returns ErrNotFound when the session does not exist.
		Load(ctx context.Context, id string) (Session, error)
		// Save atomically upserts the session.
		Save(ctx context.Context, sess Session) error
		// Update atomically applies fn to the stored session and persists
		// the result. Returns ErrNotFound when the session does not exist.
		// When fn returns an error the store is left unchanged and the
		// error is returned verbatim.
		Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
		// List returns sessions matching the filter in stable order.
		List(ctx context.Context, filter Filter) ([]Session, error)
	}

	// Kind identifies the capability set a session runs against.
	Kind string

	// Status represents the lifecycle state of a session.
	Status string
)

const (
	// KindAnalytics sessions consult trend/anomaly/forecast capabilities.
	KindAnalytics Kind = "analytics"
	// KindAutonomy sessions consult decision/goal/improvement capabilities.
	KindAutonomy Kind = "autonomy"
	// KindConversation sessions consult text and conversation capabilities.
	KindConversation Kind = "conversation"

	// StatusActive indicates the session accepts new cycles.
	StatusActive Status = "active"
	// StatusPaused indicates the session is suspended; cycles do not run
	// until it is resumed.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the session ended normally. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a cycle failed the session. Terminal.
	StatusFailed Status = "failed"
)

var (
	// ErrNotFound indicates the referenced session does not exist.
	ErrNotFound = errors.New("session not found")
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the defined lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle state machine permits moving
// from one status to another:
//
//	active  -> paused | completed | failed
//	paused  -> active | completed
//	completed, failed -> (none)
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusActive || to == StatusCompleted
	default:
		return false
	}
}

// ComputePerformance derives the performance rollup from a full results
// history. It is the only way Performance values are produced, which keeps
// the rollup consistent with Results by construction.
func ComputePerformance(results []Record) Performance {
	perf := Performance{
		Records:            len(results),
		RecordsByOperation: make(map[string]int, 4),
	}
	cycles := make(map[int]struct{}, 4)
	var confidence float64
	for _, rec := range results {
		cycles[rec.Cycle] = struct{}{}
		perf.RecordsByOperation[rec.Operation]++
		confidence += rec.Confidence
	}
	perf.Cycles = len(cycles)
	if len(results) > 0 {
		perf.AverageConfidence = confidence / float64(len(results))
	}
	return perf
}

// Matches reports whether the session satisfies the filter.
func (f Filter) Matches(sess Session) bool {
	if f.Status != "" && sess.Status != f.Status {
		return false
	}
	if f.Kind != "" && sess.Kind != f.Kind {
		return false
	}
	if f.Owner != "" && sess.Owner != f.Owner {
		return false
	}
	return true
}

// Clone returns a deep copy of the session so callers can mutate snapshots
// without aliasing store-owned state.
func Clone(in Session) Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	if in.Targets != nil {
		out.Targets = append([]string(nil), in.Targets...)
	}
	if in.Results != nil {
		out.Results = make([]Record, len(in.Results))
		for i, rec := range in.Results {
			out.Results[i] = CloneRecord(rec)
		}
	}
	out.Performance = clonePerformance(in.Performance)
	return out
}

// CloneRecord returns a deep copy of a result record.
func CloneRecord(in Record) Record {
	out := in
	if in.Payload != nil {
		out.Payload = append(json.RawMessage(nil), in.Payload...)
	}
	return out
}

func clonePerformance(in Performance) Performance {
	out := in
	if in.RecordsByOperation != nil {
		out.RecordsByOperation = make(map[string]int, len(in.RecordsByOperation))
		for k, v := range in.RecordsByOperation {
			out.RecordsByOperation[k] = v
		}
	}
	return out
}

// Package inmem provides an in-memory report store suitable for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/orchestra/runtime/report"
	"goa.design/orchestra/runtime/session"
)

// Store is an in-memory implementation of report.Store. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	reports map[string]report.Report
}

// New returns an empty store.
func New() *Store {
	return &Store{reports: make(map[string]report.Report)}
}

// Save persists the report keyed by its ID.
func (s *Store) Save(_ context.Context, rep report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[rep.ID] = clone(rep)
	return nil
}

// Load returns the report with the given id.
func (s *Store) Load(_ context.Context, id string) (report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reports[id]
	if !ok {
		return report.Report{}, report.ErrNotFound
	}
	return clone(rep), nil
}

// ListBySession returns the session's reports ordered by GeneratedAt then
// ID.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reps []report.Report
	for _, rep := range s.reports {
		if rep.SessionID == sessionID {
			reps = append(reps, clone(rep))
		}
	}
	sort.Slice(reps, func(i, j int) bool {
		if !reps[i].GeneratedAt.Equal(reps[j].GeneratedAt) {
			return reps[i].GeneratedAt.Before(reps[j].GeneratedAt)
		}
		return reps[i].ID < reps[j].ID
	})
	return reps, nil
}

// Reset drops all reports. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = make(map[string]report.Report)
}

// clone deep-copies a report so callers cannot mutate stored state.
func clone(rep report.Report) report.Report {
	out := rep
	if rep.Content.TargetRecords != nil {
		out.Content.TargetRecords = make(map[string]int, len(rep.Content.TargetRecords))
		for k, v := range rep.Content.TargetRecords {
			out.Content.TargetRecords[k] = v
		}
	}
	out.Content.Insights = append([]string(nil), rep.Content.Insights...)
	out.Content.Recommendations = append([]string(nil), rep.Content.Recommendations...)
	if rep.Content.Records != nil {
		out.Content.Records = make([]session.Record, len(rep.Content.Records))
		for i, rec := range rep.Content.Records {
			out.Content.Records[i] = session.CloneRecord(rec)
		}
	}
	if rep.Content.Performance.RecordsByOperation != nil {
		out.Content.Performance.RecordsByOperation = make(map[string]int, len(rep.Content.Performance.RecordsByOperation))
		for k, v := range rep.Content.Performance.RecordsByOperation {
			out.Content.Performance.RecordsByOperation[k] = v
		}
	}
	return out
}

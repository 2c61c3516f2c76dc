// Package report derives read-only summaries from accumulated session
// state.
//
// Generating a report never mutates the session: Content is a
// deterministic, pure function of the session's results, so generating the
// same report twice with no cycle in between yields identical content.
// Reports are persisted separately from sessions; many reports may exist
// per session.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"goa.design/orchestra/runtime/session"
	"goa.design/orchestra/runtime/telemetry"
)

type (
	// Type selects the shape of a report's content.
	Type string

	// Report is a derived summary of a session at a point in time.
	Report struct {
		// ID is the unique identifier of the report.
		ID string
		// SessionID references the summarized session.
		SessionID string
		// Type is the report shape that was requested.
		Type Type
		// GeneratedAt records when the report was generated.
		GeneratedAt time.Time
		// Content is the derived summary.
		Content Content
	}

	// Content is the derived body of a report. Every field is a pure
	// function of the session's results at generation time.
	Content struct {
		// Performance is the rollup recomputed from the results.
		Performance session.Performance
		// TargetRecords counts records per session target. Omitted for
		// metrics-only reports.
		TargetRecords map[string]int
		// Insights are deterministic observations over the results.
		// Omitted for metrics-only reports.
		Insights []string
		// Recommendations are deterministic follow-ups derived from the
		// results. Omitted for metrics-only reports.
		Recommendations []string
		// Records is the full result history. Only present on detailed
		// reports.
		Records []session.Record
	}

	// Store persists generated reports.
	Store interface {
		// Save persists the report.
		Save(ctx context.Context, rep Report) error
		// Load returns the report with the given id.
		// Returns ErrNotFound when the report does not exist.
		Load(ctx context.Context, id string) (Report, error)
		// ListBySession returns the session's reports ordered by
		// GeneratedAt then ID.
		ListBySession(ctx context.Context, sessionID string) ([]Report, error)
	}

	// Options configures a Generator.
	Options struct {
		// Sessions is the session store reports read from. Required.
		Sessions session.Store
		// Reports persists generated reports. Required.
		Reports Store
		// Logger receives report events. Defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Generator derives and persists reports.
	Generator struct {
		sessions session.Store
		reports  Store
		logger   telemetry.Logger
		now      func() time.Time
		newID    func() string
	}
)

const (
	// TypeSummary reports the performance rollup plus derived insights.
	TypeSummary Type = "summary"
	// TypeDetailed reports everything a summary does plus the full result
	// history.
	TypeDetailed Type = "detailed"
	// TypeMetricsOnly reports only the performance rollup.
	TypeMetricsOnly Type = "metrics-only"
)

// lowConfidenceThreshold marks records whose provider-reported confidence
// is low enough to call out in insights.
const lowConfidenceThreshold = 0.5

var (
	// ErrUnsupportedType indicates an unknown report type was requested.
	ErrUnsupportedType = errors.New("unsupported report type")
	// ErrNotFound indicates the referenced report does not exist.
	ErrNotFound = errors.New("report not found")
)

// New builds a Generator from the options.
func New(opts Options) (*Generator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("report store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Generator{
		sessions: opts.Sessions,
		reports:  opts.Reports,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Generate derives a report of the given type from the session's current
// results and persists it. The session itself is never mutated.
func (g *Generator) Generate(ctx context.Context, sessionID string, typ Type) (Report, error) {
	switch typ {
	case TypeSummary, TypeDetailed, TypeMetricsOnly:
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}

	sess, err := g.sessions.Load(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		ID:          g.newID(),
		SessionID:   sessionID,
		Type:        typ,
		GeneratedAt: g.now().UTC(),
		Content:     BuildContent(sess.Results, typ),
	}
	if err := g.reports.Save(ctx, rep); err != nil {
		return Report{}, fmt.Errorf("save report: %w", err)
	}
	g.logger.Info(ctx, "report generated", "report_id", rep.ID, "session_id", sessionID, "type", string(typ))
	return rep, nil
}

// BuildContent derives report content from a results history. It is
// exported so callers can re-derive content and verify it matches a
// persisted report.
func BuildContent(results []session.Record, typ Type) Content {
	content := Content{Performance: session.ComputePerformance(results)}
	if typ == TypeMetricsOnly {
		return content
	}

	content.TargetRecords = make(map[string]int, 4)
	lowConfidence := 0
	for _, rec := range results {
		content.TargetRecords[rec.Target]++
		if rec.Confidence < lowConfidenceThreshold {
			lowConfidence++
		}
	}
	content.Insights = buildInsights(content, lowConfidence)
	content.Recommendations = buildRecommendations(content, lowConfidence)

	if typ == TypeDetailed {
		content.Records = make([]session.Record, len(results))
		for i, rec := range results {
			content.Records[i] = session.CloneRecord(rec)
		}
	}
	return content
}

func buildInsights(content Content, lowConfidence int) []string {
	insights := make([]string, 0, len(content.TargetRecords)+1)
	for _, target := range sortedKeys(content.TargetRecords) {
		insights = append(insights, fmt.Sprintf("target %s produced %d records over %d cycles",
			target, content.TargetRecords[target], content.Performance.Cycles))
	}
	if lowConfidence > 0 {
		insights = append(insights, fmt.Sprintf("%d low-confidence records require review", lowConfidence))
	}
	return insights
}

func buildRecommendations(content Content, lowConfidence int) []string {
	var recs []string
	if lowConfidence > 0 && content.Performance.Records > 0 {
		if float64(lowConfidence)/float64(content.Performance.Records) > 0.25 {
			recs = append(recs, "over a quarter of records are low confidence; review capability provider inputs")
		}
	}
	for _, operation := range sortedKeys(content.Performance.RecordsByOperation) {
		if content.Performance.RecordsByOperation[operation] >= 10 {
			recs = append(recs, fmt.Sprintf("operation %s has accumulated %d records; consider archiving completed cycles",
				operation, content.Performance.RecordsByOperation[operation]))
		}
	}
	return recs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

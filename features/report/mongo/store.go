// Package mongo provides a MongoDB-backed report store.
//
// Report content is stored as a JSON blob: reports are read back whole and
// never queried by content, so keeping the serialized form avoids a second
// BSON mapping of the content tree.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/orchestra/runtime/report"
)

const (
	defaultReportsCollection = "orchestra_reports"
	defaultOpTimeout         = 5 * time.Second
	reportStoreName          = "report-mongo"
)

type (
	// Options configures the Mongo report store.
	Options struct {
		Client            *mongodriver.Client
		Database          string
		ReportsCollection string
		Timeout           time.Duration
	}

	// Store implements report.Store on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		reports *mongodriver.Collection
		timeout time.Duration
	}

	reportDocument struct {
		ReportID    string      `bson:"report_id"`
		SessionID   string      `bson:"session_id"`
		Type        report.Type `bson:"type"`
		GeneratedAt time.Time   `bson:"generated_at"`
		Content     string      `bson:"content"`
	}
)

// NewStore builds a Store from the options.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.ReportsCollection
	if collName == "" {
		collName = defaultReportsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, reports: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return reportStoreName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save persists the report keyed by its ID.
func (s *Store) Save(ctx context.Context, rep report.Report) error {
	if rep.ID == "" {
		return errors.New("report id is required")
	}
	doc, err := fromReport(rep)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"report_id": rep.ID}
	update := bson.M{"$set": doc}
	_, err = s.reports.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Load returns the report with the given id.
func (s *Store) Load(ctx context.Context, id string) (report.Report, error) {
	if id == "" {
		return report.Report{}, errors.New("report id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc reportDocument
	if err := s.reports.FindOne(ctx, bson.M{"report_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return report.Report{}, report.ErrNotFound
		}
		return report.Report{}, err
	}
	return doc.toReport()
}

// ListBySession returns the session's reports ordered by GeneratedAt then
// ID.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]report.Report, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sortOpt := options.Find().SetSort(bson.D{
		{Key: "generated_at", Value: 1},
		{Key: "report_id", Value: 1},
	})
	cur, err := s.reports.Find(ctx, bson.M{"session_id": sessionID}, sortOpt)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []report.Report
	for cur.Next(ctx) {
		var doc reportDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rep, err := doc.toReport()
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromReport(rep report.Report) (reportDocument, error) {
	content, err := json.Marshal(rep.Content)
	if err != nil {
		return reportDocument{}, err
	}
	return reportDocument{
		ReportID:    rep.ID,
		SessionID:   rep.SessionID,
		Type:        rep.Type,
		GeneratedAt: rep.GeneratedAt.UTC(),
		Content:     string(content),
	}, nil
}

func (doc reportDocument) toReport() (report.Report, error) {
	var content report.Content
	if doc.Content != "" {
		if err := json.Unmarshal([]byte(doc.Content), &content); err != nil {
			return report.Report{}, err
		}
	}
	return report.Report{
		ID:          doc.ReportID,
		SessionID:   doc.SessionID,
		Type:        doc.Type,
		GeneratedAt: doc.GeneratedAt.UTC(),
		Content:     content,
	}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "report_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, sessionIndex)
	return err
}

// Package mongo hosts the MongoDB client used by the session store.
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

	"goa.design/clue/health"

	"goa.design/orchestra/runtime/session"
)

const (
	defaultSessionsCollection = "orchestra_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for orchestrated sessions. Session
// documents carry a version counter so callers can detect concurrent
// writes.
type Client interface {
	health.Pinger

	// SaveSession unconditionally upserts the session and bumps its
	// version.
	SaveSession(ctx context.Context, sess session.Session) error
	// LoadSession returns the session and its current version.
	// Returns session.ErrNotFound when no document exists.
	LoadSession(ctx context.Context, sessionID string) (session.Session, int64, error)
	// ReplaceSession writes the session only if the stored version still
	// matches. Returns false when another writer got there first.
	ReplaceSession(ctx context.Context, sess session.Session, version int64) (bool, error)
	// ListSessions returns sessions matching the filter ordered by
	// started_at then session_id.
	ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions *mongodriver.Collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.SessionsCollection
	if collName == "" {
		collName = defaultSessionsCollection
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
	return &client{mongo: opts.Client, sessions: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveSession(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	doc, err := fromSession(sess)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sess.ID}
	update := bson.M{
		"$set": doc.fields(),
		"$inc": bson.M{"version": 1},
	}
	_, err = c.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, int64, error) {
	if sessionID == "" {
		return session.Session{}, 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, 0, session.ErrNotFound
		}
		return session.Session{}, 0, err
	}
	sess := doc.toSession()
	return sess, doc.Version, nil
}

func (c *client) ReplaceSession(ctx context.Context, sess session.Session, version int64) (bool, error) {
	if sess.ID == "" {
		return false, errors.New("session id is required")
	}
	doc, err := fromSession(sess)
	if err != nil {
		return false, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sess.ID, "version": version}
	update := bson.M{
		"$set": doc.fields(),
		"$inc": bson.M{"version": 1},
	}
	res, err := c.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (c *client) ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	if filter.Owner != "" {
		query["owner"] = filter.Owner
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sortOpt := options.Find().SetSort(bson.D{
		{Key: "started_at", Value: 1},
		{Key: "session_id", Value: 1},
	})
	cur, err := c.sessions.Find(ctx, query, sortOpt)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type (
	sessionDocument struct {
		SessionID     string              `bson:"session_id"`
		Kind          session.Kind        `bson:"kind"`
		Name          string              `bson:"name,omitempty"`
		Description   string              `bson:"description,omitempty"`
		Owner         string              `bson:"owner,omitempty"`
		Targets       []string            `bson:"targets"`
		Status        session.Status      `bson:"status"`
		StartedAt     time.Time           `bson:"started_at"`
		EndedAt       *time.Time          `bson:"ended_at,omitempty"`
		Results       []recordDocument    `bson:"results,omitempty"`
		Performance   performanceDocument `bson:"performance"`
		CycleAttempts int                 `bson:"cycle_attempts"`
		FailedCycles  int                 `bson:"failed_cycles"`
		FailureReason string              `bson:"failure_reason,omitempty"`
		Version       int64               `bson:"version"`
		UpdatedAt     time.Time           `bson:"updated_at"`
	}

	// recordDocument stores payloads as JSON text so documents remain
	// queryable and diffable in Mongo tooling.
	recordDocument struct {
		RecordID   string    `bson:"record_id"`
		Cycle      int       `bson:"cycle"`
		Target     string    `bson:"target"`
		Operation  string    `bson:"operation"`
		Payload    string    `bson:"payload,omitempty"`
		Confidence float64   `bson:"confidence"`
		Timestamp  time.Time `bson:"timestamp"`
	}

	performanceDocument struct {
		Cycles             int            `bson:"cycles"`
		Records            int            `bson:"records"`
		RecordsByOperation map[string]int `bson:"records_by_operation,omitempty"`
		AverageConfidence  float64        `bson:"average_confidence"`
	}
)

// fields returns the document as the $set payload of an update. The version
// counter is excluded so it stays under $inc control.
func (doc sessionDocument) fields() bson.M {
	return bson.M{
		"session_id":     doc.SessionID,
		"kind":           doc.Kind,
		"name":           doc.Name,
		"description":    doc.Description,
		"owner":          doc.Owner,
		"targets":        doc.Targets,
		"status":         doc.Status,
		"started_at":     doc.StartedAt,
		"ended_at":       doc.EndedAt,
		"results":        doc.Results,
		"performance":    doc.Performance,
		"cycle_attempts": doc.CycleAttempts,
		"failed_cycles":  doc.FailedCycles,
		"failure_reason": doc.FailureReason,
		"updated_at":     time.Now().UTC(),
	}
}

func fromSession(sess session.Session) (sessionDocument, error) {
	records := make([]recordDocument, len(sess.Results))
	for i, rec := range sess.Results {
		payload := ""
		if len(rec.Payload) > 0 {
			if !json.Valid(rec.Payload) {
				return sessionDocument{}, errors.New("record payload is not valid JSON")
			}
			payload = string(rec.Payload)
		}
		records[i] = recordDocument{
			RecordID:   rec.ID,
			Cycle:      rec.Cycle,
			Target:     rec.Target,
			Operation:  rec.Operation,
			Payload:    payload,
			Confidence: rec.Confidence,
			Timestamp:  rec.Timestamp.UTC(),
		}
	}
	var endedAt *time.Time
	if sess.EndedAt != nil {
		at := sess.EndedAt.UTC()
		endedAt = &at
	}
	return sessionDocument{
		SessionID:     sess.ID,
		Kind:          sess.Kind,
		Name:          sess.Name,
		Description:   sess.Description,
		Owner:         sess.Owner,
		Targets:       sess.Targets,
		Status:        sess.Status,
		StartedAt:     sess.StartedAt.UTC(),
		EndedAt:       endedAt,
		Results:       records,
		Performance:   fromPerformance(sess.Performance),
		CycleAttempts: sess.CycleAttempts,
		FailedCycles:  sess.FailedCycles,
		FailureReason: sess.FailureReason,
	}, nil
}

func (doc sessionDocument) toSession() session.Session {
	var results []session.Record
	if len(doc.Results) > 0 {
		results = make([]session.Record, len(doc.Results))
		for i, rec := range doc.Results {
			var payload json.RawMessage
			if rec.Payload != "" {
				payload = json.RawMessage(rec.Payload)
			}
			results[i] = session.Record{
				ID:         rec.RecordID,
				Cycle:      rec.Cycle,
				Target:     rec.Target,
				Operation:  rec.Operation,
				Payload:    payload,
				Confidence: rec.Confidence,
				Timestamp:  rec.Timestamp.UTC(),
			}
		}
	}
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{
		ID:            doc.SessionID,
		Kind:          doc.Kind,
		Name:          doc.Name,
		Description:   doc.Description,
		Owner:         doc.Owner,
		Targets:       doc.Targets,
		Status:        doc.Status,
		StartedAt:     doc.StartedAt.UTC(),
		EndedAt:       endedAt,
		Results:       results,
		Performance:   doc.Performance.toPerformance(),
		CycleAttempts: doc.CycleAttempts,
		FailedCycles:  doc.FailedCycles,
		FailureReason: doc.FailureReason,
	}
}

func fromPerformance(perf session.Performance) performanceDocument {
	return performanceDocument{
		Cycles:             perf.Cycles,
		Records:            perf.Records,
		RecordsByOperation: perf.RecordsByOperation,
		AverageConfidence:  perf.AverageConfidence,
	}
}

func (doc performanceDocument) toPerformance() session.Performance {
	perf := session.Performance{
		Cycles:            doc.Cycles,
		Records:           doc.Records,
		AverageConfidence: doc.AverageConfidence,
	}
	if len(doc.RecordsByOperation) > 0 {
		perf.RecordsByOperation = doc.RecordsByOperation
	}
	return perf
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	statusKindIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "kind", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, statusKindIndex); err != nil {
		return err
	}
	ownerIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, ownerIndex)
	return err
}

// Package mongo implements eventstore.Store on top of MongoDB. Optimistic
// concurrency is enforced without multi-document transactions: a single
// per-agent counter document is advanced with a filtered FindOneAndUpdate
// whose filter includes the expected version, so a stale expectedVersion
// collides with the counter document's unique _id instead of silently
// matching — the same compare-and-swap idiom
// features/run/mongo/clients/mongo/client.go uses for its upsert-by-run-id
// writes, adapted here to detect the mismatch rather than ignore it.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
)

const (
	defaultEventsCollection    = "agent_events"
	defaultCountersCollection  = "agent_event_counters"
	defaultSnapshotsCollection = "agent_snapshots"
	defaultOpTimeout           = 5 * time.Second
	clientName                 = "eventstore-mongo"
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	EventsCollection    string
	CountersCollection  string
	SnapshotsCollection string
	Timeout             time.Duration
}

// Store is a MongoDB-backed eventstore.Store. It also satisfies
// health.Pinger so it can be wired into the same readiness checks the
// teacher's Mongo clients expose.
type Store struct {
	mongoClient *mongodriver.Client
	events      collection
	counters    collection
	snapshots   collection
	timeout     time.Duration
}

var _ health.Pinger = (*Store)(nil)
var _ eventstore.Store = (*Store)(nil)

// New returns a Store backed by MongoDB, ensuring its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsName := opts.EventsCollection
	if eventsName == "" {
		eventsName = defaultEventsCollection
	}
	countersName := opts.CountersCollection
	if countersName == "" {
		countersName = defaultCountersCollection
	}
	snapshotsName := opts.SnapshotsCollection
	if snapshotsName == "" {
		snapshotsName = defaultSnapshotsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	events := mongoCollection{coll: db.Collection(eventsName)}
	counters := mongoCollection{coll: db.Collection(countersName)}
	snapshots := mongoCollection{coll: db.Collection(snapshotsName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, events); err != nil {
		return nil, err
	}

	return newStoreWithCollections(opts.Client, events, counters, snapshots, timeout), nil
}

func newStoreWithCollections(mongoClient *mongodriver.Client, events, counters, snapshots collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongoClient: mongoClient, events: events, counters: counters, snapshots: snapshots, timeout: timeout}
}

func (s *Store) Name() string { return clientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongoClient.Ping(ctx, readpref.Primary())
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

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(ctx context.Context, agentID envelope.AgentId, events []eventstore.StateEvent, expectedVersion uint64) (uint64, error) {
	if len(events) == 0 {
		return s.LatestVersion(ctx, agentID)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	newVersion := expectedVersion + uint64(len(events))
	filter := bson.M{"_id": agentID.String(), "version": expectedVersion}
	update := bson.M{"$set": bson.M{"version": newVersion}}
	// Only a first append (expectedVersion 0) may create the counter
	// document; otherwise a missing or mismatched counter is a conflict.
	_, err := s.counters.FindOneAndUpdate(ctx, filter, update, expectedVersion == 0)
	if err != nil {
		if errors.Is(err, errDuplicateKey) || errors.Is(err, mongodriver.ErrNoDocuments) {
			current, verErr := s.LatestVersion(ctx, agentID)
			if verErr != nil {
				return 0, verErr
			}
			return 0, &eventstore.ConcurrencyConflictError{AgentID: agentID, ExpectedVersion: expectedVersion, ActualVersion: current}
		}
		return 0, fmt.Errorf("eventstore/mongo: advance counter for %s: %w", agentID, err)
	}

	docs := make([]any, len(events))
	for i, evt := range events {
		doc := eventDocument{
			AgentID:         agentID.String(),
			Version:         expectedVersion + uint64(i) + 1,
			EventID:         evt.EventID.String(),
			TimestampMillis: evt.TimestampMillis,
			EventType:       evt.EventType,
			EventData:       evt.EventData,
			Metadata:        evt.Metadata,
		}
		if !evt.CorrelationID.IsNil() {
			doc.CorrelationID = evt.CorrelationID.String()
		}
		docs[i] = doc
	}
	if err := s.events.InsertMany(ctx, docs); err != nil {
		return 0, fmt.Errorf("eventstore/mongo: insert events for %s: %w", agentID, err)
	}
	return newVersion, nil
}

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(ctx context.Context, agentID envelope.AgentId, fromVersion, toVersion uint64, maxCount int) ([]eventstore.StateEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	versionFilter := bson.M{"$gte": fromVersion}
	if toVersion > 0 {
		versionFilter["$lte"] = toVersion
	}
	filter := bson.M{"agent_id": agentID.String(), "version": versionFilter}

	docs, err := s.events.FindSorted(ctx, filter, "version", maxCount)
	if err != nil {
		return nil, fmt.Errorf("eventstore/mongo: get events for %s: %w", agentID, err)
	}
	out := make([]eventstore.StateEvent, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toStateEvent(agentID))
	}
	return out, nil
}

// LatestVersion implements eventstore.Store.
func (s *Store) LatestVersion(ctx context.Context, agentID envelope.AgentId) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc counterDocument
	if err := s.counters.FindOne(ctx, bson.M{"_id": agentID.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventstore/mongo: latest version for %s: %w", agentID, err)
	}
	return doc.Version, nil
}

// SaveSnapshot implements eventstore.Store.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := snapshotDocument{
		AgentID:         snapshot.AgentID.String(),
		Version:         snapshot.Version,
		StateData:       snapshot.StateData,
		TimestampMillis: snapshot.TimestampMillis,
		Metadata:        snapshot.Metadata,
	}
	return s.snapshots.ReplaceOne(ctx, bson.M{"_id": snapshot.AgentID.String()}, doc)
}

// LatestSnapshot implements eventstore.Store.
func (s *Store) LatestSnapshot(ctx context.Context, agentID envelope.AgentId) (eventstore.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc snapshotDocument
	if err := s.snapshots.FindOne(ctx, bson.M{"_id": agentID.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
		}
		return eventstore.Snapshot{}, fmt.Errorf("eventstore/mongo: latest snapshot for %s: %w", agentID, err)
	}
	return doc.toSnapshot(agentID), nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	return coll.EnsureUniqueIndex(ctx, bson.D{{Key: "agent_id", Value: 1}, {Key: "version", Value: 1}})
}

type eventDocument struct {
	AgentID         string            `bson:"agent_id"`
	Version         uint64            `bson:"version"`
	EventID         string            `bson:"event_id"`
	TimestampMillis int64             `bson:"timestamp_millis"`
	EventType       string            `bson:"event_type"`
	EventData       []byte            `bson:"event_data"`
	Metadata        map[string]string `bson:"metadata,omitempty"`
	CorrelationID   string            `bson:"correlation_id,omitempty"`
}

func (doc eventDocument) toStateEvent(agentID envelope.AgentId) eventstore.StateEvent {
	evt := eventstore.StateEvent{
		AgentID:         agentID,
		Version:         doc.Version,
		TimestampMillis: doc.TimestampMillis,
		EventType:       doc.EventType,
		EventData:       doc.EventData,
		Metadata:        doc.Metadata,
	}
	if id, err := envelope.ParseEventId(doc.EventID); err == nil {
		evt.EventID = id
	}
	if doc.CorrelationID != "" {
		if id, err := envelope.ParseEventId(doc.CorrelationID); err == nil {
			evt.CorrelationID = id
		}
	}
	return evt
}

type counterDocument struct {
	AgentID string `bson:"_id"`
	Version uint64 `bson:"version"`
}

type snapshotDocument struct {
	AgentID         string            `bson:"_id"`
	Version         uint64            `bson:"version"`
	StateData       []byte            `bson:"state_data"`
	TimestampMillis int64             `bson:"timestamp_millis"`
	Metadata        map[string]string `bson:"metadata,omitempty"`
}

func (doc snapshotDocument) toSnapshot(agentID envelope.AgentId) eventstore.Snapshot {
	return eventstore.Snapshot{
		AgentID:         agentID,
		Version:         doc.Version,
		StateData:       doc.StateData,
		TimestampMillis: doc.TimestampMillis,
		Metadata:        doc.Metadata,
	}
}

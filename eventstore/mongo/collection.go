package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// errDuplicateKey is the sentinel Store.AppendEvents checks for to detect
// a stale expectedVersion. mongoCollection translates the real driver's
// duplicate-key error into it so the CAS logic in store.go — and its
// tests — never depend on the shape of a live server's write error.
var errDuplicateKey = errors.New("mongo: duplicate key")

// collection is the thin slice of *mongo.Collection this package depends
// on, narrowed to what Store actually calls — the same interface-behind-
// the-real-driver-type seam features/run/mongo/clients/mongo/client.go
// uses, so tests can substitute a fakeCollection instead of talking to a
// real server.
type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	FindOneAndUpdate(ctx context.Context, filter, update any, upsert bool) (singleResult, error)
	FindSorted(ctx context.Context, filter any, sortField string, limit int) ([]eventDocument, error)
	InsertMany(ctx context.Context, docs []any) error
	ReplaceOne(ctx context.Context, filter any, replacement any) error
	EnsureUniqueIndex(ctx context.Context, keys bson.D) error
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter)}
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, upsert bool) (singleResult, error) {
	opts := options.FindOneAndUpdate().SetUpsert(upsert).SetReturnDocument(options.After)
	res := c.coll.FindOneAndUpdate(ctx, filter, update, opts)
	if err := res.Err(); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, errDuplicateKey
		}
		return nil, err
	}
	return mongoSingleResult{res: res}, nil
}

func (c mongoCollection) FindSorted(ctx context.Context, filter any, sortField string, limit int) ([]eventDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any) error {
	opts := options.Replace().SetUpsert(true)
	_, err := c.coll.ReplaceOne(ctx, filter, replacement, opts)
	return err
}

func (c mongoCollection) EnsureUniqueIndex(ctx context.Context, keys bson.D) error {
	model := mongodriver.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}

type mongoSingleResult struct {
	res interface{ Decode(val any) error }
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

// store_mongo.go implements the store, ledger and run-summary ports on
// MongoDB. The caller owns the mongo.Client lifecycle.
//
// Layout:
//
//   - one collection per entity type ("entities_<type>"), _id = entity id,
//     soft deletes as deleted/deleted_at fields — history is preserved,
//     records are never removed.
//   - one append-only change ledger collection, _id = change id. Appends
//     tolerate duplicate keys so a retried sync step cannot double-write
//     a change; nothing ever updates or expires ledger documents.
//   - one run summary collection, _id = run id.

package tg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoEntityStore implements EntityStore over per-type collections in
// one database.
type MongoEntityStore struct {
	DB *mongo.Database

	// CollectionPrefix namespaces entity collections; defaults to
	// "entities_" when empty.
	CollectionPrefix string
}

// NewMongoEntityStore creates a MongoEntityStore on the given database.
func NewMongoEntityStore(db *mongo.Database) *MongoEntityStore {
	return &MongoEntityStore{DB: db}
}

func (s *MongoEntityStore) collection(entityType string) *mongo.Collection {
	prefix := s.CollectionPrefix
	if prefix == "" {
		prefix = "entities_"
	}
	return s.DB.Collection(prefix + entityType)
}

func (s *MongoEntityStore) LoadExisting(ctx context.Context, entityType string) (map[string]Entity, error) {
	cur, err := s.collection(entityType).Find(ctx, bson.M{"deleted": bson.M{"$ne": true}})
	if err != nil {
		return nil, fmt.Errorf("load existing %s: %w", entityType, err)
	}
	var entities []Entity
	if err := cur.All(ctx, &entities); err != nil {
		return nil, fmt.Errorf("load existing %s: decode: %w", entityType, err)
	}

	out := make(map[string]Entity, len(entities))
	for _, e := range entities {
		out[e.ID] = e
	}
	return out, nil
}

func (s *MongoEntityStore) GetEntity(ctx context.Context, entityType, id string) (*Entity, error) {
	var e Entity
	err := s.collection(entityType).FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", entityType, id, err)
	}
	return &e, nil
}

func (s *MongoEntityStore) UpsertEntities(ctx context.Context, entityType string, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(entities))
	for _, e := range entities {
		if strings.TrimSpace(e.ID) == "" {
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": e.ID}).
			SetReplacement(e).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return nil
	}

	_, err := s.collection(entityType).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("upsert %d %s entities: %w", len(models), entityType, err)
	}
	return nil
}

func (s *MongoEntityStore) MarkDeleted(ctx context.Context, entityType string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.collection(entityType).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("soft delete %d %s entities: %w", len(ids), entityType, err)
	}
	return nil
}

// MongoChangeLedger implements ChangeLedger over a single append-only
// collection.
type MongoChangeLedger struct {
	Collection *mongo.Collection
}

// NewMongoChangeLedger creates a ledger on the given collection.
func NewMongoChangeLedger(collection *mongo.Collection) *MongoChangeLedger {
	return &MongoChangeLedger{Collection: collection}
}

func (l *MongoChangeLedger) Append(ctx context.Context, records []ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]any, 0, len(records))
	for _, r := range records {
		docs = append(docs, r)
	}

	_, err := l.Collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		// A retried sync step re-appends the same deterministic change
		// ids; duplicate keys mean those records are already durable.
		// Only swallow the error when nothing BUT duplicates failed — an
		// unordered batch can mix duplicates with genuine write failures.
		if onlyDuplicateKeyErrors(err) {
			return nil
		}
		return fmt.Errorf("append %d change records: %w", len(records), err)
	}
	return nil
}

// onlyDuplicateKeyErrors reports whether every failed write in the batch
// hit the E11000 duplicate-key error.
func onlyDuplicateKeyErrors(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func (l *MongoChangeLedger) ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]ChangeRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "changed_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := l.Collection.Find(ctx, bson.M{"entity_type": entityType, "entity_id": entityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger by entity %s/%s: %w", entityType, entityID, err)
	}
	var out []ChangeRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("ledger by entity %s/%s: decode: %w", entityType, entityID, err)
	}
	return out, nil
}

func (l *MongoChangeLedger) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]ChangeRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "changed_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := l.Collection.Find(ctx, bson.M{"changed_at": bson.M{"$gte": from.UTC(), "$lt": to.UTC()}}, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger by time range: %w", err)
	}
	var out []ChangeRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("ledger by time range: decode: %w", err)
	}
	return out, nil
}

// MongoRunStore implements RunStore over a single collection.
type MongoRunStore struct {
	Collection *mongo.Collection
}

// NewMongoRunStore creates a run store on the given collection.
func NewMongoRunStore(collection *mongo.Collection) *MongoRunStore {
	return &MongoRunStore{Collection: collection}
}

func (s *MongoRunStore) SaveSummary(ctx context.Context, summary *RunSummary) error {
	_, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": summary.RunID},
		summary,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save run summary %s: %w", summary.RunID, err)
	}
	return nil
}

func (s *MongoRunStore) SummaryByID(ctx context.Context, runID string) (*RunSummary, error) {
	var summary RunSummary
	err := s.Collection.FindOne(ctx, bson.M{"_id": runID}).Decode(&summary)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunSummaryNotFound
		}
		return nil, fmt.Errorf("run summary %s: %w", runID, err)
	}
	return &summary, nil
}

func (s *MongoRunStore) LatestSummary(ctx context.Context) (*RunSummary, error) {
	var summary RunSummary
	err := s.Collection.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	).Decode(&summary)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunSummaryNotFound
		}
		return nil, fmt.Errorf("latest run summary: %w", err)
	}
	return &summary, nil
}

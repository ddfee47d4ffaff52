package tg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func newTestMongoDatabase(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("TENANTGRAPH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TENANTGRAPH_TEST_MONGO_URI not set; skipping Mongo integration test")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}

	ctx := context.Background()
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping: %v", err)
	}

	db := client.Database("tenantgraph_test_" + t.Name())
	_ = db.Drop(ctx)
	t.Cleanup(func() {
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	return db
}

func TestMongoEntityStore(t *testing.T) {
	ctx := context.Background()
	store := NewMongoEntityStore(newTestMongoDatabase(t))

	require.NoError(t, store.UpsertEntities(ctx, "user", []Entity{
		{ID: "u1", Type: "user", Fields: map[string]any{"displayName": "Alice"}, CollectedAt: time.Now().UTC()},
		{ID: "u2", Type: "user", Fields: map[string]any{"displayName": "Bob"}, CollectedAt: time.Now().UTC()},
	}))

	// replace-upsert is idempotent by id
	require.NoError(t, store.UpsertEntities(ctx, "user", []Entity{
		{ID: "u1", Type: "user", Fields: map[string]any{"displayName": "Alicia"}, CollectedAt: time.Now().UTC()},
	}))

	existing, err := store.LoadExisting(ctx, "user")
	require.NoError(t, err)
	require.Len(t, existing, 2)
	require.Equal(t, "Alicia", existing["u1"].Field("displayName"))

	require.NoError(t, store.MarkDeleted(ctx, "user", []string{"u2"}, time.Now().UTC()))

	existing, err = store.LoadExisting(ctx, "user")
	require.NoError(t, err)
	require.Len(t, existing, 1)

	// soft-deleted record remains readable with its markers
	got, err := store.GetEntity(ctx, "user", "u2")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Deleted)
	require.NotNil(t, got.DeletedAt)

	missing, err := store.GetEntity(ctx, "user", "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMongoChangeLedger(t *testing.T) {
	ctx := context.Background()
	db := newTestMongoDatabase(t)
	ledger := NewMongoChangeLedger(db.Collection("changes"))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := []ChangeRecord{
		ledgerRecord("c1", "user", "u1", ChangeNew, base),
		ledgerRecord("c2", "user", "u1", ChangeModified, base.Add(time.Hour)),
		ledgerRecord("c3", "user", "u2", ChangeNew, base.Add(2*time.Hour)),
	}
	require.NoError(t, ledger.Append(ctx, records))
	// duplicate-key tolerant replay
	require.NoError(t, ledger.Append(ctx, records))

	// a batch mixing replayed duplicates with genuinely new records must
	// land the new ones
	mixed := []ChangeRecord{
		records[0],
		ledgerRecord("c4", "user", "u3", ChangeNew, base.Add(3*time.Hour)),
	}
	require.NoError(t, ledger.Append(ctx, mixed))

	added, err := ledger.ByEntity(ctx, "user", "u3", 0)
	require.NoError(t, err)
	require.Len(t, added, 1)

	history, err := ledger.ByEntity(ctx, "user", "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "c2", history[0].ChangeID)

	window, err := ledger.ByTimeRange(ctx, base, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "c1", window[0].ChangeID)
}

func TestOnlyDuplicateKeyErrors(t *testing.T) {
	dup := mongo.BulkWriteError{WriteError: mongo.WriteError{Code: 11000}}
	validation := mongo.BulkWriteError{WriteError: mongo.WriteError{Code: 121}}

	t.Run("all_duplicates_swallowed", func(t *testing.T) {
		err := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup, dup}}
		require.True(t, onlyDuplicateKeyErrors(err))
	})

	t.Run("mixed_batch_surfaces_real_failures", func(t *testing.T) {
		err := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup, validation}}
		require.False(t, onlyDuplicateKeyErrors(err))
	})

	t.Run("write_concern_error_surfaces", func(t *testing.T) {
		err := mongo.BulkWriteException{
			WriteErrors:       []mongo.BulkWriteError{dup},
			WriteConcernError: &mongo.WriteConcernError{Code: 64},
		}
		require.False(t, onlyDuplicateKeyErrors(err))
	})

	t.Run("non_bulk_errors_surface", func(t *testing.T) {
		require.False(t, onlyDuplicateKeyErrors(context.DeadlineExceeded))
	})
}

func TestMongoRunStore(t *testing.T) {
	ctx := context.Background()
	db := newTestMongoDatabase(t)
	store := NewMongoRunStore(db.Collection("runs"))

	_, err := store.LatestSummary(ctx)
	require.ErrorIs(t, err, ErrRunSummaryNotFound)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSummary(ctx, &RunSummary{RunID: "r1", StartedAt: base}))
	require.NoError(t, store.SaveSummary(ctx, &RunSummary{RunID: "r2", StartedAt: base.Add(time.Hour), Success: true}))

	latest, err := store.LatestSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, "r2", latest.RunID)

	got, err := store.SummaryByID(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.RunID)

	_, err = store.SummaryByID(ctx, "nope")
	require.ErrorIs(t, err, ErrRunSummaryNotFound)
}

package tg

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendLogWriter(t *testing.T) {
	t.Run("buffer_until_threshold", testAppendLogBufferUntilThreshold)
	t.Run("threshold_flush_mid_collection", testAppendLogThresholdFlush)
	t.Run("finalize_writes_empty_log", testAppendLogEmptyFinalize)
	t.Run("append_after_finalize_rejected", testAppendLogAfterFinalize)
	t.Run("flush_retries_transient_errors", testAppendLogFlushRetry)
	t.Run("failed_flush_does_not_duplicate_records", testAppendLogFailedFlushNoDuplicates)
	t.Run("version_mismatch_is_fatal", testAppendLogVersionMismatch)
}

func logEntity(id string, payload string) *Entity {
	return &Entity{
		ID:          id,
		Type:        "user",
		Fields:      map[string]any{"payload": payload},
		CollectedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testAppendLogBufferUntilThreshold(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}
	writer := NewAppendLogWriter(store, "run1/run1-users.jsonl", 1<<20)

	require.NoError(t, writer.Append(logEntity("u1", "a")))
	require.NoError(t, writer.FlushIfThreshold(ctx))

	// below the threshold nothing is durable yet
	_, err := store.Read(ctx, "run1/run1-users.jsonl")
	require.ErrorIs(t, err, ErrBlobNotFound)

	require.NoError(t, writer.Finalize(ctx))
	data, err := store.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))
	require.Equal(t, 1, writer.Records())
}

func testAppendLogThresholdFlush(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}
	writer := NewAppendLogWriter(store, "run1/run1-users.jsonl", 64)

	for i := 0; i < 5; i++ {
		require.NoError(t, writer.Append(logEntity(fmt.Sprintf("u%d", i), strings.Repeat("x", 40))))
		require.NoError(t, writer.FlushIfThreshold(ctx))
	}

	// mid-collection flushes already made earlier records durable
	data, err := store.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, writer.Finalize(ctx))
	data, err = store.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.Equal(t, 5, strings.Count(string(data), "\n"))

	// every line is independently parseable
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		_, err := ParseAppendLogLine([]byte(line))
		require.NoError(t, err)
	}
}

func testAppendLogEmptyFinalize(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}
	writer := NewAppendLogWriter(store, "run1/run1-users.jsonl", 0)

	require.NoError(t, writer.Finalize(ctx))

	// an empty log is still written: zero observed entities is a
	// statement, not an error
	data, err := store.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.Empty(t, data)

	// Finalize is idempotent
	require.NoError(t, writer.Finalize(ctx))
}

func testAppendLogAfterFinalize(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}
	writer := NewAppendLogWriter(store, "run1/run1-users.jsonl", 0)

	require.NoError(t, writer.Finalize(ctx))
	require.Error(t, writer.Append(logEntity("u1", "late")))
}

// flakyBlobStore fails PutIfMatch a fixed number of times, then delegates.
type flakyBlobStore struct {
	BlobStore
	failures int
	calls    int
}

func (f *flakyBlobStore) PutIfMatch(ctx context.Context, key string, body []byte, expectedVersion string) (*BlobObjectInfo, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("transient put failure %d", f.calls)
	}
	return f.BlobStore.PutIfMatch(ctx, key, body, expectedVersion)
}

func testAppendLogFlushRetry(t *testing.T) {
	ctx := context.Background()
	local := &LocalBlobStore{Root: t.TempDir()}
	flaky := &flakyBlobStore{BlobStore: local, failures: 2}

	writer := NewAppendLogWriter(flaky, "run1/run1-users.jsonl", 0)
	writer.BaseDelay = time.Millisecond

	require.NoError(t, writer.Append(logEntity("u1", "a")))
	require.NoError(t, writer.Finalize(ctx))
	require.Equal(t, 3, flaky.calls)

	data, err := local.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.Contains(t, string(data), `"id":"u1"`)
}

func testAppendLogFailedFlushNoDuplicates(t *testing.T) {
	ctx := context.Background()
	local := &LocalBlobStore{Root: t.TempDir()}
	flaky := &flakyBlobStore{BlobStore: local, failures: 1}

	writer := NewAppendLogWriter(flaky, "run1/run1-users.jsonl", 16)
	writer.MaxAttempts = 1
	writer.BaseDelay = time.Millisecond

	require.NoError(t, writer.Append(logEntity("u1", strings.Repeat("x", 32))))
	// retry budget of one: the threshold flush exhausts and fails
	require.Error(t, writer.FlushIfThreshold(ctx))

	// the buffered record survives the failed flush and the later
	// finalize writes it exactly once
	require.NoError(t, writer.Append(logEntity("u2", "b")))
	require.NoError(t, writer.Finalize(ctx))

	data, err := local.Read(ctx, "run1/run1-users.jsonl")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), `"id":"u1"`))
	require.Equal(t, 1, strings.Count(string(data), `"id":"u2"`))
	require.Equal(t, 2, strings.Count(string(data), "\n"))
}

func testAppendLogVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	writer := NewAppendLogWriter(store, "run1/run1-users.jsonl", 32)
	writer.BaseDelay = time.Millisecond

	require.NoError(t, writer.Append(logEntity("u1", strings.Repeat("x", 64))))
	require.NoError(t, writer.FlushIfThreshold(ctx))

	// outside interference: someone else rewrote our log object
	_, err := store.PutIfMatch(ctx, "run1/run1-users.jsonl", []byte("intruder\n"), "")
	require.NoError(t, err)

	require.NoError(t, writer.Append(logEntity("u2", strings.Repeat("y", 64))))
	err = writer.FlushIfThreshold(ctx)
	require.ErrorIs(t, err, ErrBlobVersionMismatch)
}

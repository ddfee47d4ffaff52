package tg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileCollector(t *testing.T) {
	t.Run("streams_export_into_log", testFileCollectorStreams)
	t.Run("missing_export_fails", testFileCollectorMissing)
	t.Run("type_mismatch_fails", testFileCollectorTypeMismatch)
}

func writeExport(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func testFileCollectorStreams(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "users.jsonl",
		`{"id":"u1","entityType":"user","displayName":"Alice"}
{"id":"u2","entityType":"user","displayName":"Bob","collectionTimestamp":"2026-08-01T10:00:00Z"}

`)

	store := &LocalBlobStore{Root: t.TempDir()}
	run := NewRunContext(nil)
	writer := NewAppendLogWriter(store, run.LogKey("users"), 0)

	collector := &FileCollector{PipelineName: "users", Type: "user", SourceDir: dir}
	require.Equal(t, "users", collector.Name())
	require.Equal(t, "user", collector.EntityType())

	require.NoError(t, collector.Collect(ctx, run, writer))
	require.NoError(t, writer.Finalize(ctx))
	require.Equal(t, 2, writer.Records())

	current, malformed, err := ReadSnapshotLog(ctx, store, run.LogKey("users"))
	require.NoError(t, err)
	require.Zero(t, malformed)
	require.Len(t, current, 2)

	// u1 carried no timestamp in the export and inherits the run's
	require.Equal(t, run.Timestamp.Format(time.RFC3339Nano), current["u1"].CollectedAt.Format(time.RFC3339Nano))
	require.Equal(t, "2026-08-01T10:00:00Z", current["u2"].CollectedAt.Format(time.RFC3339))
}

func testFileCollectorMissing(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}
	run := NewRunContext(nil)
	writer := NewAppendLogWriter(store, run.LogKey("users"), 0)

	collector := &FileCollector{PipelineName: "users", Type: "user", SourceDir: t.TempDir()}
	require.Error(t, collector.Collect(ctx, run, writer))
}

func testFileCollectorTypeMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "users.jsonl", `{"id":"g1","entityType":"group"}`+"\n")

	store := &LocalBlobStore{Root: t.TempDir()}
	run := NewRunContext(nil)
	writer := NewAppendLogWriter(store, run.LogKey("users"), 0)

	collector := &FileCollector{PipelineName: "users", Type: "user", SourceDir: dir}
	err := collector.Collect(ctx, run, writer)
	require.ErrorContains(t, err, "does not match pipeline type")
}

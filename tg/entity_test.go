package tg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendLogLine(t *testing.T) {
	t.Run("round_trip", testLogLineRoundTrip)
	t.Run("reserved_keys_lifted", testLogLineReservedKeys)
	t.Run("rejects_incomplete_entities", testLogLineValidation)
}

func testLogLineRoundTrip(t *testing.T) {
	collected := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	entity := &Entity{
		ID:   "u1",
		Type: "user",
		Fields: map[string]any{
			"displayName":    "Alice",
			"accountEnabled": true,
			"memberOf":       []any{"g1", "g2"},
		},
		CollectedAt: collected,
	}

	line, err := entity.AppendLogLine()
	require.NoError(t, err)
	require.NotContains(t, string(line), "\n")

	parsed, err := ParseAppendLogLine(line)
	require.NoError(t, err)
	require.Equal(t, "u1", parsed.ID)
	require.Equal(t, "user", parsed.Type)
	require.True(t, collected.Equal(parsed.CollectedAt))
	require.Equal(t, "Alice", parsed.Field("displayName"))
	require.Equal(t, true, parsed.Field("accountEnabled"))
	require.Equal(t, []any{"g1", "g2"}, parsed.Field("memberOf"))
}

func testLogLineReservedKeys(t *testing.T) {
	entity := &Entity{
		ID:          "u1",
		Type:        "user",
		Fields:      map[string]any{"mail": "a@example.com"},
		CollectedAt: time.Now().UTC(),
	}
	line, err := entity.AppendLogLine()
	require.NoError(t, err)

	parsed, err := ParseAppendLogLine(line)
	require.NoError(t, err)

	// reserved keys must not leak back into the field bag
	require.Nil(t, parsed.Field("id"))
	require.Nil(t, parsed.Field("entityType"))
	require.Nil(t, parsed.Field("collectionTimestamp"))
	require.Equal(t, "a@example.com", parsed.Field("mail"))
}

func testLogLineValidation(t *testing.T) {
	_, err := (&Entity{Type: "user"}).AppendLogLine()
	require.Error(t, err)
	_, err = (&Entity{ID: "u1"}).AppendLogLine()
	require.Error(t, err)

	_, err = ParseAppendLogLine([]byte(`not json`))
	require.Error(t, err)
	_, err = ParseAppendLogLine([]byte(`{"entityType":"user"}`))
	require.Error(t, err)
	_, err = ParseAppendLogLine([]byte(`{"id":"u1"}`))
	require.Error(t, err)
	_, err = ParseAppendLogLine([]byte(`{"id":"u1","entityType":"user","collectionTimestamp":"not-a-time"}`))
	require.Error(t, err)
}

func TestReadSnapshotLog(t *testing.T) {
	t.Run("skips_malformed_lines", testSnapshotLogMalformed)
	t.Run("last_line_wins_on_duplicate_id", testSnapshotLogDuplicates)
}

func testSnapshotLogMalformed(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	log := strings.Join([]string{
		`{"id":"u1","entityType":"user","displayName":"Alice"}`,
		`{truncated`,
		``,
		`{"entityType":"user","displayName":"no id"}`,
		`{"id":"u2","entityType":"user","displayName":"Bob"}`,
	}, "\n") + "\n"
	_, err := store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte(log), "")
	require.NoError(t, err)

	current, malformed, err := ReadSnapshotLog(ctx, store, "snap/snap-users.jsonl")
	require.NoError(t, err)
	require.Equal(t, 2, malformed)
	require.Len(t, current, 2)
	require.Equal(t, "Alice", current["u1"].Field("displayName"))
	require.Equal(t, "Bob", current["u2"].Field("displayName"))
}

func testSnapshotLogDuplicates(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	log := `{"id":"u1","entityType":"user","displayName":"first"}` + "\n" +
		`{"id":"u1","entityType":"user","displayName":"second"}` + "\n"
	_, err := store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte(log), "")
	require.NoError(t, err)

	current, malformed, err := ReadSnapshotLog(ctx, store, "snap/snap-users.jsonl")
	require.NoError(t, err)
	require.Equal(t, 0, malformed)
	require.Len(t, current, 1)
	require.Equal(t, "second", current["u1"].Field("displayName"))
}

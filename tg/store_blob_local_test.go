package tg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobLocal(t *testing.T) {
	t.Run("put_if_match", testBlobLocalPutIfMatch)
	t.Run("head_and_read", testBlobLocalHeadAndRead)
	t.Run("list", testBlobLocalList)
}

func testBlobLocalPutIfMatch(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	objV1, err := store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte("v1\n"), "")
	require.NoError(t, err)
	require.NotEmpty(t, objV1.Version)

	_, err = store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte("v2\n"), "stale-version")
	require.ErrorIs(t, err, ErrBlobVersionMismatch)

	objV2, err := store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte("v2\n"), objV1.Version)
	require.NoError(t, err)
	require.NotEqual(t, objV1.Version, objV2.Version)

	content, err := os.ReadFile(filepath.Join(store.Root, "snap", "snap-users.jsonl"))
	require.NoError(t, err)
	require.Equal(t, "v2\n", string(content))

	// conditional create against a missing object fails too
	_, err = store.PutIfMatch(ctx, "snap/missing.jsonl", []byte("x"), "anything")
	require.ErrorIs(t, err, ErrBlobVersionMismatch)
}

func testBlobLocalHeadAndRead(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	_, err := store.Head(ctx, "absent.jsonl")
	require.ErrorIs(t, err, ErrBlobNotFound)
	_, err = store.Read(ctx, "absent.jsonl")
	require.ErrorIs(t, err, ErrBlobNotFound)

	put, err := store.PutIfMatch(ctx, "snap/snap-groups.jsonl", []byte("payload\n"), "")
	require.NoError(t, err)

	head, err := store.Head(ctx, "snap/snap-groups.jsonl")
	require.NoError(t, err)
	require.Equal(t, put.Version, head.Version)
	require.Equal(t, int64(8), head.Size)

	data, err := store.Read(ctx, "snap/snap-groups.jsonl")
	require.NoError(t, err)
	require.Equal(t, "payload\n", string(data))

	dest := filepath.Join(t.TempDir(), "nested", "copy.jsonl")
	require.NoError(t, store.Download(ctx, "snap/snap-groups.jsonl", dest))
	copied, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, copied)
}

func testBlobLocalList(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobStore{Root: t.TempDir()}

	empty, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, empty)

	fixtures := map[string]string{
		"runA/runA-users.jsonl":  "u",
		"runA/runA-groups.jsonl": "gg",
		"runB/runB-users.jsonl":  "uuu",
	}
	for key, contents := range fixtures {
		_, err := store.PutIfMatch(ctx, key, []byte(contents), "")
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 3)
	for _, obj := range objects {
		require.NotEmpty(t, obj.Version)
		require.Greater(t, obj.Size, int64(0))
	}

	filtered, err := store.List(ctx, "runA/")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	require.Equal(t, "runA/runA-groups.jsonl", filtered[0].Key)
	require.Equal(t, "runA/runA-users.jsonl", filtered[1].Key)
}

package tg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikills/tenantgraph/tg/testutil"
	"github.com/stretchr/testify/require"
)

func TestBlobS3(t *testing.T) {
	ctx := context.Background()
	mock, err := testutil.StartMockS3(ctx, "tenantgraph-logs")
	require.NoError(t, err)
	defer mock.Close()

	store := NewS3BlobStore(mock.Client, mock.Bucket, "tenants/tenant-a/")

	t.Run("put_and_read", func(t *testing.T) {
		put, err := store.PutIfMatch(ctx, "snap/snap-users.jsonl", []byte("line1\n"), "")
		require.NoError(t, err)
		require.NotEmpty(t, put.Version)

		data, err := store.Read(ctx, "snap/snap-users.jsonl")
		require.NoError(t, err)
		require.Equal(t, "line1\n", string(data))

		head, err := store.Head(ctx, "snap/snap-users.jsonl")
		require.NoError(t, err)
		require.Equal(t, int64(6), head.Size)
	})

	t.Run("missing_objects", func(t *testing.T) {
		_, err := store.Read(ctx, "snap/absent.jsonl")
		require.ErrorIs(t, err, ErrBlobNotFound)
		_, err = store.Head(ctx, "snap/absent.jsonl")
		require.ErrorIs(t, err, ErrBlobNotFound)
	})

	t.Run("list_strips_tenant_prefix", func(t *testing.T) {
		_, err := store.PutIfMatch(ctx, "snap/snap-groups.jsonl", []byte("g\n"), "")
		require.NoError(t, err)

		objects, err := store.List(ctx, "snap/")
		require.NoError(t, err)
		require.Len(t, objects, 2)
		require.Equal(t, "snap/snap-groups.jsonl", objects[0].Key)
		require.Equal(t, "snap/snap-users.jsonl", objects[1].Key)
	})

	t.Run("download", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "users.jsonl")
		require.NoError(t, store.Download(ctx, "snap/snap-users.jsonl", dest))
		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		require.Equal(t, "line1\n", string(data))
	})
}

// store_blob.go defines the append-log sink abstraction. Logs are laid
// out one object per entity-type-per-run and are never deleted — failed
// runs keep their logs for manual replay, which is why the interface has
// no delete operation.

package tg

import (
	"context"
	"time"
)

// BlobObjectInfo describes one stored log object.
type BlobObjectInfo struct {
	Key       string
	Version   string
	UpdatedAt time.Time
	Size      int64
}

// BlobStore is the durable sink for append logs.
//
// PutIfMatch provides optimistic concurrency: an empty expectedVersion
// writes unconditionally, otherwise the write only succeeds when the
// stored object still carries that version (ErrBlobVersionMismatch
// otherwise). The append-log writer uses this to grow an object safely
// across threshold flushes within a run.
type BlobStore interface {
	Head(ctx context.Context, key string) (*BlobObjectInfo, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Download(ctx context.Context, key string, dest string) error
	PutIfMatch(ctx context.Context, key string, body []byte, expectedVersion string) (*BlobObjectInfo, error)
	List(ctx context.Context, prefix string) ([]BlobObjectInfo, error)
}

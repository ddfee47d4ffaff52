package tg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalBlobStore implements BlobStore on the local filesystem, for
// single-node deployments and tests. Object versions are content hashes.
type LocalBlobStore struct {
	Root string
}

func (l *LocalBlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(l.Root, filepath.FromSlash(key))
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return &BlobObjectInfo{
		Key:       key,
		Version:   contentVersion(data),
		UpdatedAt: info.ModTime().UTC(),
		Size:      info.Size(),
	}, nil
}

func (l *LocalBlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(l.Root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (l *LocalBlobStore) Download(ctx context.Context, key string, dest string) error {
	data, err := l.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("download %s: write %s: %w", key, dest, err)
	}
	return nil
}

func (l *LocalBlobStore) PutIfMatch(ctx context.Context, key string, body []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dest := filepath.Join(l.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}

	if expectedVersion != "" {
		current, err := l.Head(ctx, key)
		if err != nil && !errors.Is(err, ErrBlobNotFound) {
			return nil, err
		}
		if current == nil || current.Version != expectedVersion {
			return nil, fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
	}

	// write-then-rename so readers never observe a torn object
	tmp := fmt.Sprintf("%s.tmp-%d", dest, time.Now().UnixNano())
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	return &BlobObjectInfo{
		Key:       key,
		Version:   contentVersion(body),
		UpdatedAt: time.Now().UTC(),
		Size:      int64(len(body)),
	}, nil
}

func (l *LocalBlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(l.Root); errors.Is(err, os.ErrNotExist) {
		return []BlobObjectInfo{}, nil
	} else if err != nil {
		return nil, err
	}

	items := make([]BlobObjectInfo, 0)
	err := filepath.WalkDir(l.Root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// mtime+size as a cheap version proxy; Head computes the real one
		items = append(items, BlobObjectInfo{
			Key:       key,
			Version:   fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
			UpdatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []BlobObjectInfo{}, nil
		}
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})

	return items, nil
}

func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

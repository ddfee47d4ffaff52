package tg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3BlobStore implements BlobStore on AWS S3 with optimistic concurrency
// via ETags and If-Match conditional writes.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3BlobStore creates an S3-backed log sink. The prefix is optional
// and is prepended to every key.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (s *S3BlobStore) fullKey(key string) string {
	if s.Prefix == "" {
		return key
	}
	return s.Prefix + key
}

func (s *S3BlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var notFoundErr *types.NotFound
		if errors.As(err, &notFoundErr) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}

	return &BlobObjectInfo{
		Key:       key,
		Version:   aws.ToString(result.ETag),
		UpdatedAt: aws.ToTime(result.LastModified).UTC(),
		Size:      aws.ToInt64(result.ContentLength),
	}, nil
}

func (s *S3BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var noKeyErr *types.NoSuchKey
		if errors.As(err, &noKeyErr) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string, dest string) error {
	data, err := s.Read(ctx, key)
	if err != nil {
		return err
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("download object %s: %w", key, err)
	}
	return file.Sync()
}

func (s *S3BlobStore) PutIfMatch(ctx context.Context, key string, body []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(body),
	}
	if expectedVersion != "" {
		input.IfMatch = aws.String(expectedVersion)
	}

	result, err := s.Client.PutObject(ctx, input)
	if err != nil {
		var responseErr *smithyhttp.ResponseError
		if errors.As(err, &responseErr) && responseErr.HTTPStatusCode() == 412 {
			return nil, fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}

	return &BlobObjectInfo{
		Key:       key,
		Version:   aws.ToString(result.ETag),
		UpdatedAt: time.Now().UTC(),
		Size:      int64(len(body)),
	}, nil
}

func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPrefix := s.fullKey(prefix)
	items := make([]BlobObjectInfo, 0)
	var token *string

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects for prefix %s: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if s.Prefix != "" {
				key = strings.TrimPrefix(key, s.Prefix)
			}
			items = append(items, BlobObjectInfo{
				Key:       key,
				Version:   aws.ToString(obj.ETag),
				UpdatedAt: aws.ToTime(obj.LastModified).UTC(),
				Size:      aws.ToInt64(obj.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})

	return items, nil
}

// Package testutil holds shared fakes for integration-style tests.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

const mockRegion = "us-east-1"

// MockS3 is an in-process S3 endpoint backed by gofakes3, so archive
// tests run without real AWS credentials or network access.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

// StartMockS3 starts an in-memory S3 server and creates the archive
// bucket. Callers own the returned MockS3 and must Close it.
func StartMockS3(ctx context.Context, bucket string) (*MockS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())

	client, err := newMockS3Client(ctx, server.URL)
	if err != nil {
		server.Close()
		return nil, err
	}

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		server.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}

	return &MockS3{
		Server: server,
		Client: client,
		Bucket: bucket,
	}, nil
}

// newMockS3Client builds an s3.Client pointed at the fake endpoint.
// Path-style addressing because the fake serves every bucket from one
// host.
func newMockS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(mockRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Close shuts down the fake endpoint. Safe on nil.
func (m *MockS3) Close() {
	if m == nil || m.Server == nil {
		return
	}
	m.Server.Close()
}

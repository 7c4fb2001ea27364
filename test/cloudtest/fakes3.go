package cloudtest

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// FakeS3 is an in-process S3 server backed by memory. Unlike the moto helpers
// it needs no external process and no build tag.
type FakeS3 struct {
	Server   *httptest.Server
	Backend  *s3mem.Backend
	Endpoint string
}

// NewFakeS3 starts a fake S3 server with the given buckets and registers cleanup.
func NewFakeS3(t *testing.T, buckets ...string) *FakeS3 {
	t.Helper()

	backend := s3mem.New()
	for _, b := range buckets {
		if err := backend.CreateBucket(b); err != nil {
			t.Fatalf("create bucket %s: %v", b, err)
		}
	}

	srv := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(srv.Close)

	return &FakeS3{Server: srv, Backend: backend, Endpoint: srv.URL}
}

// Client returns an SDK client for the fake server using the test credentials.
func (f *FakeS3) Client(t *testing.T) *s3.Client {
	t.Helper()

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(DefaultRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			TestAccessKeyID,
			TestSecretAccessKey,
			"",
		)),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(f.Endpoint)
		o.UsePathStyle = true
	})
}

// BucketExists reports whether the fake backend holds bucket.
func (f *FakeS3) BucketExists(t *testing.T, bucket string) bool {
	t.Helper()
	ok, err := f.Backend.BucketExists(bucket)
	if err != nil {
		t.Fatalf("bucket exists %s: %v", bucket, err)
	}
	return ok
}

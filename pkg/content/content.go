// Package content reads object metadata and bytes.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/3leaps/nimbusaccess/pkg/provider"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// SniffBytes is how much of an object is read to detect its content type.
const SniffBytes = 3072

// API is the S3 surface used for reads.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Range is an inclusive byte range. End < 0 reads to the end of the object.
type Range struct {
	Start int64
	End   int64
}

// Validate checks the range bounds.
func (r Range) Validate() error {
	if r.Start < 0 {
		return errors.New("range start must be >= 0")
	}
	if r.End >= 0 && r.End < r.Start {
		return errors.New("range end must be >= start")
	}
	return nil
}

// Header returns the HTTP Range header value.
func (r Range) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ParseRange parses "start-end" or "start-" (with an optional "bytes=" prefix).
func ParseRange(s string) (Range, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "bytes=")
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok || startStr == "" {
		return Range{}, fmt.Errorf("invalid range %q: want start-end", s)
	}
	r := Range{End: -1}
	if _, err := fmt.Sscan(startStr, &r.Start); err != nil {
		return Range{}, fmt.Errorf("invalid range start %q", startStr)
	}
	if endStr != "" {
		if _, err := fmt.Sscan(endStr, &r.End); err != nil {
			return Range{}, fmt.Errorf("invalid range end %q", endStr)
		}
	}
	return r, r.Validate()
}

// Head returns the metadata of an object.
// Returns an error matching provider.ErrNotFound if the object does not exist.
func Head(ctx context.Context, api API, p s3path.Path) (*provider.ObjectMeta, error) {
	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.Object),
	})
	if err != nil {
		return nil, s3provider.WrapError("HeadObject", p.Bucket, p.Object, err)
	}

	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          p.Object,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         s3provider.CleanETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// Read opens the object, or the requested range of it. The caller closes the
// returned body. Meta.Size is the length of the returned body.
func Read(ctx context.Context, api API, p s3path.Path, rng *Range) (io.ReadCloser, *provider.ObjectMeta, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.Object),
	}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, nil, err
		}
		input.Range = aws.String(rng.Header())
	}

	out, err := api.GetObject(ctx, input)
	if err != nil {
		return nil, nil, s3provider.WrapError("GetObject", p.Bucket, p.Object, err)
	}

	meta := &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          p.Object,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         s3provider.CleanETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType:  aws.ToString(out.ContentType),
		ContentRange: aws.ToString(out.ContentRange),
		Metadata:     out.Metadata,
	}
	return out.Body, meta, nil
}

// HeadBytes reads the first n bytes of an object.
//
// Behavior:
//   - Always performs a Head first to capture metadata.
//   - Requests only the bytes that exist, so short objects are read whole.
func HeadBytes(ctx context.Context, api API, p s3path.Path, n int64) ([]byte, *provider.ObjectMeta, error) {
	if n < 0 {
		return nil, nil, errors.New("head bytes must be >= 0")
	}

	meta, err := Head(ctx, api, p)
	if err != nil {
		return nil, nil, err
	}

	// If object is smaller, only request what exists.
	end := n - 1
	if meta.Size-1 < end {
		end = meta.Size - 1
	}
	if end < 0 {
		return nil, meta, nil
	}

	body, _, err := Read(ctx, api, p, &Range{Start: 0, End: end})
	if err != nil {
		return nil, meta, err
	}
	defer func() { _ = body.Close() }()

	b, err := io.ReadAll(io.LimitReader(body, end+1))
	if err != nil {
		return nil, meta, err
	}
	return b, meta, nil
}

// ContentType returns the stored content type. When the store only knows a
// generic binary type, the type is sniffed from the object's first bytes.
func ContentType(ctx context.Context, api API, p s3path.Path) (string, error) {
	meta, err := Head(ctx, api, p)
	if err != nil {
		return "", err
	}
	if !generic(meta.ContentType) {
		return meta.ContentType, nil
	}

	data, _, err := HeadBytes(ctx, api, p, SniffBytes)
	if err != nil {
		return "", err
	}
	return mimetype.Detect(data).String(), nil
}

func generic(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "", "application/octet-stream", "binary/octet-stream":
		return true
	}
	return false
}

package transfer

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// UploadAPI is the S3 surface used for uploads.
type UploadAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Progress reports upload progress.
type Progress struct {
	Loaded int64

	// Total is the expected size, or -1 when unknown.
	Total int64

	// Percent is floor(Loaded*100/Total), or -1 while Total is unknown.
	Percent int
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// UploadInput describes an upload.
type UploadInput struct {
	Path s3path.Path
	Body io.Reader

	// Size is the number of bytes Body yields, or -1 when unknown.
	Size int64

	// ContentType is stored with the object. Empty sniffs it from the first part.
	ContentType string

	OnProgress ProgressFunc
}

// UploadResult describes a stored object.
type UploadResult struct {
	Path        s3path.Path
	Size        int64
	ETag        string
	ContentType string

	// Parts is 1 for single-request uploads.
	Parts int
}

type progressReporter struct {
	mu     sync.Mutex
	fn     ProgressFunc
	total  int64
	loaded int64
}

func (r *progressReporter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded += n
	r.emitLocked()
}

func (r *progressReporter) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < 0 {
		r.total = r.loaded
	}
	r.emitLocked()
}

func (r *progressReporter) emitLocked() {
	if r.fn == nil {
		return
	}
	r.fn(Progress{Loaded: r.loaded, Total: r.total, Percent: percent(r.loaded, r.total)})
}

func percent(loaded, total int64) int {
	switch {
	case total == 0:
		return 100
	case total < 0:
		return -1
	}
	p := loaded * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}

// Upload stores Body at Path. It returns once the whole object is stored.
//
// Bodies that fit in one part are sent with a single PutObject. Larger bodies
// use a multipart upload with parts sent in parallel; any part failure aborts
// the upload. An empty body reports 100% before any request is made.
func (m *Manager) Upload(ctx context.Context, api UploadAPI, in UploadInput) (*UploadResult, error) {
	if in.Body == nil {
		return nil, errors.New("upload body is nil")
	}
	if in.Path.Object == "" || in.Path.IsPrefix() {
		return nil, fmt.Errorf("upload target %q must name an object", in.Path.String())
	}

	total := in.Size
	if total < 0 {
		total = -1
	}
	prog := &progressReporter{fn: in.OnProgress, total: total}
	if total == 0 {
		prog.emitLocked()
	}

	first := make([]byte, m.cfg.PartSize)
	n, err := io.ReadFull(in.Body, first)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return m.putSingle(ctx, api, in, first[:n], prog)
	case err != nil:
		return nil, fmt.Errorf("read upload body: %w", err)
	}

	return m.putMultipart(ctx, api, in, first, prog)
}

func (m *Manager) contentType(in UploadInput, head []byte) string {
	if in.ContentType != "" {
		return in.ContentType
	}
	return mimetype.Detect(head).String()
}

func (m *Manager) putSingle(ctx context.Context, api UploadAPI, in UploadInput, data []byte, prog *progressReporter) (*UploadResult, error) {
	ct := m.contentType(in, data)
	out, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(in.Path.Bucket),
		Key:           aws.String(in.Path.Object),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ct),
	})
	if err != nil {
		return nil, s3provider.WrapError("PutObject", in.Path.Bucket, in.Path.Object, err)
	}

	if len(data) > 0 {
		prog.add(int64(len(data)))
	}
	prog.finish()

	return &UploadResult{
		Path:        in.Path,
		Size:        int64(len(data)),
		ETag:        s3provider.CleanETag(aws.ToString(out.ETag)),
		ContentType: ct,
		Parts:       1,
	}, nil
}

func (m *Manager) putMultipart(ctx context.Context, api UploadAPI, in UploadInput, first []byte, prog *progressReporter) (*UploadResult, error) {
	bucket, key := in.Path.Bucket, in.Path.Object
	ct := m.contentType(in, first)
	session := uuid.NewString()

	created, err := api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(ct),
	})
	if err != nil {
		return nil, s3provider.WrapError("CreateMultipartUpload", bucket, key, err)
	}
	uploadID := created.UploadId

	log := m.logger.With(zap.String("upload_session", session), zap.String("bucket", bucket), zap.String("key", key))
	log.Debug("Started multipart upload", zap.Int64("part_size", m.cfg.PartSize))

	var (
		mu    sync.Mutex
		parts []types.CompletedPart
		size  int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	uploadPart := func(num int32, data []byte) {
		g.Go(func() error {
			out, err := api.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(num),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			if err != nil {
				return s3provider.WrapError("UploadPart", bucket, key, err)
			}
			mu.Lock()
			parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
			mu.Unlock()
			prog.add(int64(len(data)))
			return nil
		})
	}

	var readErr error
	part := first
	for num := int32(1); ; num++ {
		uploadPart(num, part)
		size += int64(len(part))

		next := make([]byte, m.cfg.PartSize)
		n, err := io.ReadFull(in.Body, next)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			readErr = fmt.Errorf("read upload body: %w", err)
			break
		}
		if num+1 > MaxParts {
			readErr = fmt.Errorf("upload exceeds %d parts of %d bytes", MaxParts, m.cfg.PartSize)
			break
		}
		if gctx.Err() != nil {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			uploadPart(num+1, next[:n])
			size += int64(n)
			break
		}
		part = next
	}

	waitErr := g.Wait()
	if err := errors.Join(readErr, waitErr); err != nil {
		m.abort(ctx, api, log, bucket, key, uploadID)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		m.abort(ctx, api, log, bucket, key, uploadID)
		return nil, err
	}

	slices.SortFunc(parts, func(a, b types.CompletedPart) int {
		return cmp.Compare(aws.ToInt32(a.PartNumber), aws.ToInt32(b.PartNumber))
	})

	done, err := api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		m.abort(ctx, api, log, bucket, key, uploadID)
		return nil, s3provider.WrapError("CompleteMultipartUpload", bucket, key, err)
	}
	prog.finish()

	log.Debug("Completed multipart upload", zap.Int("parts", len(parts)), zap.Int64("size", size))
	return &UploadResult{
		Path:        in.Path,
		Size:        size,
		ETag:        s3provider.CleanETag(aws.ToString(done.ETag)),
		ContentType: ct,
		Parts:       len(parts),
	}, nil
}

// abort releases the parts of a failed upload. It runs even when ctx is cancelled.
func (m *Manager) abort(ctx context.Context, api UploadAPI, log *zap.Logger, bucket, key string, uploadID *string) {
	_, err := api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		log.Warn("Abort multipart upload failed", zap.Error(err))
		return
	}
	log.Debug("Aborted multipart upload")
}

package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// DeleteAPI is the S3 surface used for deletes.
type DeleteAPI interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// DeleteResult is the outcome for one path.
type DeleteResult struct {
	Path s3path.Path
	Err  error

	// Fallback is true when the path was deleted individually after its batch failed.
	Fallback bool
}

// DeleteResults holds one result per requested path, in request order.
type DeleteResults []DeleteResult

// Failed returns the results that carry an error.
func (r DeleteResults) Failed() DeleteResults {
	var out DeleteResults
	for _, res := range r {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the per-path failures, or returns nil when every delete succeeded.
func (r DeleteResults) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Path.String(), res.Err))
	}
	return errors.Join(errs...)
}

// DeleteOne deletes a single object.
func (m *Manager) DeleteOne(ctx context.Context, api DeleteAPI, p s3path.Path) error {
	_, err := api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.Object),
	})
	return s3provider.WrapError("DeleteObject", p.Bucket, p.Object, err)
}

// DeleteMany deletes paths with batch requests grouped by bucket.
//
// When a batch request fails as a whole, each of its paths is deleted
// individually at the configured fallback rate. The result reports every
// path, so partial failure is visible to the caller.
func (m *Manager) DeleteMany(ctx context.Context, api DeleteAPI, paths []s3path.Path) DeleteResults {
	results := make(DeleteResults, len(paths))
	for i, p := range paths {
		results[i].Path = p
	}

	// Group indexes by bucket, keeping first-seen bucket order.
	var buckets []string
	groups := map[string][]int{}
	for i, p := range paths {
		if _, ok := groups[p.Bucket]; !ok {
			buckets = append(buckets, p.Bucket)
		}
		groups[p.Bucket] = append(groups[p.Bucket], i)
	}

	for _, bucket := range buckets {
		idx := groups[bucket]
		for start := 0; start < len(idx); start += m.cfg.DeleteBatchSize {
			end := min(start+m.cfg.DeleteBatchSize, len(idx))
			m.deleteBatch(ctx, api, bucket, idx[start:end], results)
		}
	}
	return results
}

func (m *Manager) deleteBatch(ctx context.Context, api DeleteAPI, bucket string, idx []int, results DeleteResults) {
	ids := make([]types.ObjectIdentifier, len(idx))
	byKey := make(map[string][]int, len(idx))
	for j, i := range idx {
		key := results[i].Path.Object
		ids[j] = types.ObjectIdentifier{Key: aws.String(key)}
		byKey[key] = append(byKey[key], i)
	}

	out, err := api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		m.logger.Warn("Batch delete failed; deleting individually",
			zap.String("bucket", bucket),
			zap.Int("keys", len(idx)),
			zap.Error(err))
		m.deleteIndividually(ctx, api, idx, results)
		return
	}

	for _, e := range out.Errors {
		key := aws.ToString(e.Key)
		apiErr := &smithy.GenericAPIError{Code: aws.ToString(e.Code), Message: aws.ToString(e.Message)}
		for _, i := range byKey[key] {
			results[i].Err = s3provider.WrapError("DeleteObjects", bucket, key, apiErr)
		}
	}
}

func (m *Manager) deleteIndividually(ctx context.Context, api DeleteAPI, idx []int, results DeleteResults) {
	for _, i := range idx {
		results[i].Fallback = true
		if err := m.limiter.Wait(ctx); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Err = m.DeleteOne(ctx, api, results[i].Path)
	}
}

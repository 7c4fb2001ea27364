// Package bucketpolicy reads and writes whole bucket policy documents.
package bucketpolicy

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
)

// Getter reads bucket policies.
type Getter interface {
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
}

// Writer replaces or removes bucket policies.
type Writer interface {
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	DeleteBucketPolicy(ctx context.Context, params *s3.DeleteBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error)
}

// Reasons a policy is unavailable.
const (
	ReasonForbidden = "forbidden"
	ReasonMalformed = "malformed"
	ReasonError     = "error"
)

// Resolution is the outcome of resolving a bucket's policy.
type Resolution struct {
	// Document is nil when the bucket has no policy or the policy is unavailable.
	Document *policy.Document

	// Available is false when public/private state cannot be derived.
	Available bool

	// Reason explains an unavailable policy.
	Reason string

	// Err is the fetch error behind an unavailable policy.
	Err error
}

// Fetch returns the bucket's policy document, or nil when the bucket has none.
// Errors are provider errors, or wrap policy.ErrMalformed for unreadable bodies.
func Fetch(ctx context.Context, api Getter, bucket string) (*policy.Document, error) {
	out, err := api.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if err != nil {
		err = s3provider.WrapError("GetBucketPolicy", bucket, "", err)
		if provider.IsPolicyNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return policy.Parse([]byte(aws.ToString(out.Policy)))
}

// Resolve fetches the policy and classifies failures. A missing policy is
// available with a nil document; every other failure degrades to unavailable.
func Resolve(ctx context.Context, api Getter, bucket string, logger *zap.Logger) Resolution {
	if logger == nil {
		logger = zap.NewNop()
	}

	doc, err := Fetch(ctx, api, bucket)
	switch {
	case err == nil:
		return Resolution{Document: doc, Available: true}
	case provider.IsAccessDenied(err):
		logger.Debug("Bucket policy not readable", zap.String("bucket", bucket))
		return Resolution{Reason: ReasonForbidden, Err: err}
	case errors.Is(err, policy.ErrMalformed):
		logger.Warn("Bucket policy is malformed", zap.String("bucket", bucket), zap.Error(err))
		return Resolution{Reason: ReasonMalformed, Err: err}
	default:
		logger.Warn("Bucket policy fetch failed", zap.String("bucket", bucket), zap.Error(err))
		return Resolution{Reason: ReasonError, Err: err}
	}
}

// Store replaces the bucket policy with doc. A nil document or an empty
// statement list deletes the policy, since S3 rejects empty policies.
func Store(ctx context.Context, api Writer, bucket string, doc *policy.Document) error {
	if len(doc.Statements()) == 0 {
		_, err := api.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(bucket)})
		err = s3provider.WrapError("DeleteBucketPolicy", bucket, "", err)
		if provider.IsPolicyNotFound(err) {
			return nil
		}
		return err
	}

	body, err := doc.Marshal()
	if err != nil {
		return err
	}
	_, err = api.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(string(body)),
	})
	return s3provider.WrapError("PutBucketPolicy", bucket, "", err)
}

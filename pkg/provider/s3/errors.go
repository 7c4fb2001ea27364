package s3

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/3leaps/nimbusaccess/pkg/provider"
)

// WrapError converts an S3 error into a provider.ProviderError classified with
// the matching sentinel. The original error stays reachable through errors.As.
// A nil err returns nil.
func WrapError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   bucket,
		Key:      key,
		Kind:     classify(err),
		Err:      err,
	}
}

func classify(err error) error {
	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var ownedByYou *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	case errors.As(err, &ownedByYou), errors.As(err, &exists):
		return provider.ErrBucketExists
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return provider.ErrNotFound
		case "NoSuchBucket":
			return provider.ErrBucketNotFound
		case "NoSuchBucketPolicy":
			return provider.ErrPolicyNotFound
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return provider.ErrBucketExists
		case "AccessDenied", "Forbidden":
			return provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return provider.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			return provider.ErrProviderUnavailable
		}
	}

	// Unknown codes fall back to the HTTP status when a response was received
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return provider.ErrNotFound
		case http.StatusForbidden:
			return provider.ErrAccessDenied
		case http.StatusTooManyRequests:
			return provider.ErrThrottled
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			return provider.ErrProviderUnavailable
		}
	}
	if apiErr != nil {
		return nil
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchBucketPolicy"):
		return provider.ErrPolicyNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		return provider.ErrBucketNotFound
	case strings.Contains(errMsg, "NoSuchKey"):
		return provider.ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden"):
		return provider.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		return provider.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling"):
		return provider.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable"):
		return provider.ErrProviderUnavailable
	}
	return nil
}

// CleanETag removes surrounding quotes from an ETag value.
// S3 returns ETags with quotes, e.g., "d41d8cd98f00b204e9800998ecf8427e".
func CleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

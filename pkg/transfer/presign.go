package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// PresignedURL is a time-bounded download URL.
type PresignedURL struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresignGet returns a download URL for p valid for ttl. Zero ttl uses the
// configured default.
func (m *Manager) PresignGet(ctx context.Context, presigner s3provider.Presigner, p s3path.Path, ttl time.Duration) (*PresignedURL, error) {
	if ttl <= 0 {
		ttl = m.cfg.PresignTTL
	}
	if ttl > MaxPresignTTL {
		return nil, fmt.Errorf("presign ttl %s exceeds maximum %s", ttl, MaxPresignTTL)
	}
	if p.Object == "" {
		return nil, fmt.Errorf("presign target %q must name an object", p.String())
	}

	issued := time.Now()
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(p.Object),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, s3provider.WrapError("PresignGetObject", p.Bucket, p.Object, err)
	}

	return &PresignedURL{
		URL:       req.URL,
		Method:    req.Method,
		ExpiresAt: issued.Add(ttl),
	}, nil
}

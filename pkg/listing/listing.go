// Package listing lists one level of a bucket prefix and annotates each entry
// with its public-read state derived from the bucket policy.
package listing

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/pkg/bucketpolicy"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

// Delimiter groups keys into directories.
const Delimiter = "/"

// Kind discriminates listed entries.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Object is one listed entry. Size and LastModified are zero for directories.
type Object struct {
	Kind         Kind      `json:"kind"`
	Key          string    `json:"key"`
	Basename     string    `json:"basename"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
	ETag         string    `json:"etag,omitempty"`

	// IsPublic is true when a policy grant covers Key.
	IsPublic bool `json:"is_public"`

	// AllowedPrefix is the longest granted prefix covering Key.
	AllowedPrefix string `json:"allowed_prefix,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (o Object) IsDir() bool { return o.Kind == KindDirectory }

// Result is a listing of one prefix.
type Result struct {
	Bucket  string   `json:"bucket"`
	Prefix  string   `json:"prefix"`
	Objects []Object `json:"objects"`

	// Policy is the bucket policy, nil when none exists or it is unavailable.
	Policy *policy.Document `json:"policy,omitempty"`

	// PolicyAvailable is false when public/private state could not be derived.
	PolicyAvailable bool `json:"policy_available"`
}

// API is the S3 surface used for listing.
type API interface {
	s3.ListObjectsV2APIClient
	bucketpolicy.Getter
}

// Lister lists prefixes.
type Lister struct {
	logger   *zap.Logger
	pageSize int32
}

// Option configures a Lister.
type Option func(*Lister)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ls *Lister) {
		if l != nil {
			ls.logger = l
		}
	}
}

// WithPageSize sets the page size. Zero uses the server default.
func WithPageSize(n int32) Option {
	return func(ls *Lister) { ls.pageSize = n }
}

// New creates a Lister.
func New(opts ...Option) *Lister {
	l := &Lister{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// List returns the files and directories directly under p.
//
// Policy failures degrade to PolicyAvailable=false. Listing failures are
// returned and abort the listing.
func (l *Lister) List(ctx context.Context, api API, p s3path.Path) (*Result, error) {
	prefix := p.Prefix()

	res := bucketpolicy.Resolve(ctx, api, p.Bucket, l.logger)
	var allowed []string
	if res.Available {
		allowed = policy.AllowedPrefixes(res.Document.Statements(), p.Bucket)
	}

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.Bucket),
		Delimiter: aws.String(Delimiter),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(api, input, func(o *s3.ListObjectsV2PaginatorOptions) {
		if l.pageSize > 0 {
			o.Limit = l.pageSize
		}
	})

	result := &Result{
		Bucket:          p.Bucket,
		Prefix:          prefix,
		Objects:         []Object{},
		Policy:          res.Document,
		PolicyAvailable: res.Available,
	}

	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s3provider.WrapError("ListObjectsV2", p.Bucket, prefix, err)
		}
		pages++

		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			result.Objects = append(result.Objects, annotate(Object{
				Kind:     KindDirectory,
				Key:      key,
				Basename: Basename(key),
			}, allowed))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				// Directory marker for the listed prefix itself.
				continue
			}
			result.Objects = append(result.Objects, annotate(Object{
				Kind:         KindFile,
				Key:          key,
				Basename:     Basename(key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         s3provider.CleanETag(aws.ToString(obj.ETag)),
			}, allowed))
		}
	}

	l.logger.Debug("Listed prefix",
		zap.String("bucket", p.Bucket),
		zap.String("prefix", prefix),
		zap.Int("pages", pages),
		zap.Int("objects", len(result.Objects)),
		zap.Bool("policy_available", res.Available))
	return result, nil
}

func annotate(o Object, allowed []string) Object {
	o.AllowedPrefix, o.IsPublic = policy.MatchPrefix(allowed, o.Key)
	return o
}

// Basename returns the last non-empty segment of a key.
func Basename(key string) string {
	key = strings.TrimRight(key, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

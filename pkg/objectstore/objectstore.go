// Package objectstore is the object-storage access layer callers use.
//
// An Adapter ties together the credential cache, the client factory, the
// lister, the policy engine and the transfer manager. Every Adapter owns its
// caches; nothing is shared between instances.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/pkg/bucketpolicy"
	"github.com/3leaps/nimbusaccess/pkg/content"
	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/listing"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
)

// Access is the public/private state applied to a path.
type Access string

const (
	AccessPublic  Access = "public"
	AccessPrivate Access = "private"
)

// ParseAccess parses "public" or "private".
func ParseAccess(s string) (Access, error) {
	switch a := Access(s); a {
	case AccessPublic, AccessPrivate:
		return a, nil
	default:
		return "", fmt.Errorf("invalid access %q: want public or private", s)
	}
}

// Config configures an Adapter.
type Config struct {
	S3       s3provider.Config
	Transfer transfer.Config

	// ListPageSize caps keys per listing page. Zero uses the server default.
	ListPageSize int32
}

// Adapter exposes list, transfer, content and policy operations over a
// single credential scope.
type Adapter struct {
	creds    *credential.Cache
	factory  *s3provider.Factory
	lister   *listing.Lister
	transfer *transfer.Manager
	logger   *zap.Logger

	// policyMu serializes policy read-modify-write cycles issued through this adapter.
	policyMu sync.Mutex
}

type options struct {
	logger  *zap.Logger
	builder s3provider.ClientBuilder
}

// Option configures an Adapter.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClientBuilder replaces SDK client construction.
func WithClientBuilder(b s3provider.ClientBuilder) Option {
	return func(o *options) {
		o.builder = b
	}
}

// New creates an Adapter. A nil creds means anonymous access.
func New(cfg Config, creds *credential.Cache, opts ...Option) (*Adapter, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if creds == nil {
		var err error
		creds, err = credential.NewCache(credential.Static{}, credential.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
	}

	factoryOpts := []s3provider.FactoryOption{s3provider.WithLogger(o.logger)}
	if o.builder != nil {
		factoryOpts = append(factoryOpts, s3provider.WithClientBuilder(o.builder))
	}
	factory, err := s3provider.NewFactory(cfg.S3, creds, factoryOpts...)
	if err != nil {
		return nil, err
	}

	listOpts := []listing.Option{listing.WithLogger(o.logger)}
	if cfg.ListPageSize > 0 {
		listOpts = append(listOpts, listing.WithPageSize(cfg.ListPageSize))
	}

	return &Adapter{
		creds:    creds,
		factory:  factory,
		lister:   listing.New(listOpts...),
		transfer: transfer.New(cfg.Transfer, transfer.WithLogger(o.logger)),
		logger:   o.logger,
	}, nil
}

// List returns the files and directories directly under path, annotated with
// their public/private state.
func (a *Adapter) List(ctx context.Context, path string) (*listing.Result, error) {
	p, err := parse(path)
	if err != nil {
		return nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}
	return a.lister.List(ctx, c.API, p)
}

// UploadOptions tunes an upload.
type UploadOptions struct {
	// Size is the body length, or -1 when unknown.
	Size int64

	// ContentType overrides detection.
	ContentType string

	OnProgress transfer.ProgressFunc
}

// Upload stores body at path. It returns once the object is durably stored.
func (a *Adapter) Upload(ctx context.Context, path string, body io.Reader, opts UploadOptions) (*transfer.UploadResult, error) {
	p, err := parseObject(path)
	if err != nil {
		return nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}
	return a.transfer.Upload(ctx, c.API, transfer.UploadInput{
		Path:        p,
		Body:        body,
		Size:        opts.Size,
		ContentType: opts.ContentType,
		OnProgress:  opts.OnProgress,
	})
}

// DeleteOne deletes the object at path.
func (a *Adapter) DeleteOne(ctx context.Context, path string) error {
	p, err := parseObject(path)
	if err != nil {
		return err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return err
	}
	return a.transfer.DeleteOne(ctx, c.API, p)
}

// DeleteMany deletes every path and reports the outcome per path. The error
// is non-nil only when no delete could be attempted.
func (a *Adapter) DeleteMany(ctx context.Context, paths []string) (transfer.DeleteResults, error) {
	parsed := make([]s3path.Path, 0, len(paths))
	for _, path := range paths {
		p, err := parseObject(path)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}
	return a.transfer.DeleteMany(ctx, c.API, parsed), nil
}

// GetDownloadURL returns a presigned GET URL for path. Zero ttl uses the default.
func (a *Adapter) GetDownloadURL(ctx context.Context, path string, ttl time.Duration) (*transfer.PresignedURL, error) {
	p, err := parseObject(path)
	if err != nil {
		return nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}
	return a.transfer.PresignGet(ctx, c.Presigner, p, ttl)
}

// Stat returns the object's metadata.
func (a *Adapter) Stat(ctx context.Context, path string) (*provider.ObjectMeta, error) {
	p, err := parseObject(path)
	if err != nil {
		return nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}
	return content.Head(ctx, c.API, p)
}

// StatResult is the metadata of one path given to StatMany, or the error
// heading it.
type StatResult struct {
	Path s3path.Path
	Meta *provider.ObjectMeta
	Err  error
}

// StatMany heads several objects with at most parallel requests in flight.
// Results follow the order of paths. An invalid path rejects the whole call.
func (a *Adapter) StatMany(ctx context.Context, paths []string, parallel int) ([]StatResult, error) {
	parsed := make([]s3path.Path, len(paths))
	for i, path := range paths {
		p, err := parseObject(path)
		if err != nil {
			return nil, err
		}
		parsed[i] = p
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[string]content.HeadResult, len(parsed))
	for r := range content.HeadMulti(ctx, c.API, parsed, parallel) {
		done[r.Path.URI()] = r
	}

	results := make([]StatResult, len(parsed))
	for i, p := range parsed {
		r, ok := done[p.URI()]
		if !ok {
			results[i] = StatResult{Path: p, Err: ctx.Err()}
			continue
		}
		results[i] = StatResult{Path: p, Meta: r.Meta, Err: r.Err}
	}
	return results, nil
}

// GetContent opens the object at path, or the given byte range of it.
// The caller closes the returned reader.
func (a *Adapter) GetContent(ctx context.Context, path string, rng *content.Range) (io.ReadCloser, *provider.ObjectMeta, error) {
	p, err := parseObject(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return content.Read(ctx, c.API, p, rng)
}

// GetContentType returns the object's content type, sniffing the leading
// bytes when the stored type is generic.
func (a *Adapter) GetContentType(ctx context.Context, path string) (string, error) {
	p, err := parseObject(path)
	if err != nil {
		return "", err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return "", err
	}
	return content.ContentType(ctx, c.API, p)
}

// SetPathAccessPolicy makes everything under path publicly readable, or
// reverts that grant. It returns the document written back to the bucket.
//
// Public access adds "<bucket ARN>/<object name>*" to the GetObject grant and
// the object name to the ListBucket prefix condition. Private access removes
// both. Unrelated statements are kept as they are.
func (a *Adapter) SetPathAccessPolicy(ctx context.Context, path string, access Access) (*policy.Document, error) {
	if _, err := ParseAccess(string(access)); err != nil {
		return nil, err
	}
	p, err := parse(path)
	if err != nil {
		return nil, err
	}
	c, err := a.factory.Client(ctx)
	if err != nil {
		return nil, err
	}

	a.policyMu.Lock()
	defer a.policyMu.Unlock()

	current, err := bucketpolicy.Fetch(ctx, c.API, p.Bucket)
	if err != nil {
		return nil, err
	}

	bucketARN := policy.BucketARN(p.Bucket)
	resourceARN := policy.ObjectARN(p.Bucket, p.Object) + "*"

	var statements []policy.Statement
	if current != nil {
		statements = current.Statement
	}
	switch access {
	case AccessPublic:
		statements = policy.AddResourceToGetObjectGrant(statements, resourceARN)
		statements = policy.AddPrefixToListBucketGrant(statements, bucketARN, p.Object)
	case AccessPrivate:
		statements = policy.RemoveResourceFromGetObjectGrant(statements, resourceARN)
		statements = policy.RemovePrefixFromListBucketGrant(statements, bucketARN, p.Object)
	}

	next := policy.New(statements)
	if current != nil {
		if current.Version != "" {
			next.Version = current.Version
		}
		next.ID = current.ID
	}

	if err := bucketpolicy.Store(ctx, c.API, p.Bucket, next); err != nil {
		return nil, err
	}

	a.logger.Info("Updated path access policy",
		zap.String("bucket", p.Bucket),
		zap.String("object", p.Object),
		zap.String("access", string(access)),
		zap.Int("statements", len(next.Statements())))
	return next, nil
}

// GetToken returns the current credential, renewing it when forceRenew is set.
// It returns nil for anonymous access.
func (a *Adapter) GetToken(ctx context.Context, forceRenew bool) (*credential.Credential, error) {
	return a.creds.GetCredential(ctx, forceRenew)
}

// InvalidateScope drops every cached credential and client. Call it when the
// set of resources the caller may reach has changed.
func (a *Adapter) InvalidateScope(ctx context.Context) error {
	a.factory.Invalidate()
	if err := a.creds.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential cache: %w", err)
	}
	a.logger.Info("Invalidated storage access scope")
	return nil
}

// Federated reports whether credentials come from federation.
func (a *Adapter) Federated() bool {
	return a.creds.Federated()
}

// CheckHealth verifies that a client can be obtained for the current credential.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	_, err := a.factory.Client(ctx)
	return err
}

// InvalidPathError reports a path that cannot address the requested operation.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func parse(path string) (s3path.Path, error) {
	p := s3path.Parse(path)
	if p.Bucket == "" {
		return s3path.Path{}, &InvalidPathError{Path: path, Reason: "missing bucket"}
	}
	return p, nil
}

func parseObject(path string) (s3path.Path, error) {
	p, err := parse(path)
	if err != nil {
		return p, err
	}
	if p.Object == "" {
		return s3path.Path{}, &InvalidPathError{Path: path, Reason: "must name an object"}
	}
	return p, nil
}

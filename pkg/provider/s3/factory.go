package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/provider"
)

// AnonymousKey is the client cache key used when no credential is present.
const AnonymousKey = "anonymous"

// CredentialSource supplies the current credential. A nil credential means
// anonymous access. *credential.Cache satisfies it.
type CredentialSource interface {
	GetCredential(ctx context.Context, forceRenew bool) (*credential.Credential, error)
}

// ClientBuilder constructs a client for a credential (nil for anonymous).
type ClientBuilder func(ctx context.Context, cred *credential.Credential) (*Client, error)

// Factory hands out clients bound to the current credential and performs the
// configured bucket ensure at most once.
type Factory struct {
	cfg    Config
	creds  CredentialSource
	build  ClientBuilder
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client

	ensureOnce sync.Once
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClientBuilder replaces SDK client construction.
func WithClientBuilder(b ClientBuilder) FactoryOption {
	return func(f *Factory) {
		if b != nil {
			f.build = b
		}
	}
}

// NewFactory creates a Factory. A nil creds always yields anonymous clients.
func NewFactory(cfg Config, creds CredentialSource, opts ...FactoryOption) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:     cfg,
		creds:   creds,
		logger:  zap.NewNop(),
		clients: make(map[string]*Client),
	}
	f.build = f.newClient
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the factory configuration.
func (f *Factory) Config() Config {
	return f.cfg
}

// Client returns a client bound to the current credential.
//
// The first successful call also runs the bucket ensure when BucketToCreate
// is set. Concurrent first callers wait for it to finish.
func (f *Factory) Client(ctx context.Context) (*Client, error) {
	var cred *credential.Credential
	if f.creds != nil {
		var err error
		cred, err = f.creds.GetCredential(ctx, false)
		if err != nil {
			return nil, err
		}
	}

	c, err := f.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	// The ensure runs once per process, so one caller's cancellation must not spend it.
	f.ensureOnce.Do(func() { f.ensureBucket(context.WithoutCancel(ctx), c) })
	return c, nil
}

// Invalidate drops every cached client.
func (f *Factory) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.clients)
}

func (f *Factory) clientFor(ctx context.Context, cred *credential.Credential) (*Client, error) {
	key := Fingerprint(cred)

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	c, err := f.build(ctx, cred)
	if err != nil {
		return nil, &provider.ProviderError{Op: "NewClient", Provider: provider.ProviderS3, Err: err}
	}

	// A new credential supersedes the previous one.
	clear(f.clients)
	f.clients[key] = c

	f.logger.Debug("Created storage client",
		zap.String("endpoint", f.cfg.Endpoint),
		zap.Bool("anonymous", cred == nil))
	return c, nil
}

// ensureBucket creates BucketToCreate. It never fails the caller: an existing
// bucket is expected, anything else is logged.
func (f *Factory) ensureBucket(ctx context.Context, c *Client) {
	bucket := f.cfg.BucketToCreate
	if bucket == "" {
		return
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region := f.cfg.Region; region != "" && region != DefaultAWSRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	_, err := c.API.CreateBucket(ctx, input)
	switch err = WrapError("CreateBucket", bucket, "", err); {
	case err == nil:
		f.logger.Info("Created bucket", zap.String("bucket", bucket))
	case provider.IsBucketExists(err):
		f.logger.Debug("Bucket already exists", zap.String("bucket", bucket))
	default:
		f.logger.Warn("Bucket ensure failed; continuing without it",
			zap.String("bucket", bucket),
			zap.Error(err))
	}
}

// Fingerprint returns the client cache key for a credential.
func Fingerprint(cred *credential.Credential) string {
	if cred == nil {
		return AnonymousKey
	}
	h := sha256.New()
	h.Write([]byte(cred.AccessKeyID))
	h.Write([]byte{0})
	h.Write([]byte(cred.SecretAccessKey))
	h.Write([]byte{0})
	h.Write([]byte(cred.SessionToken))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (f *Factory) newClient(ctx context.Context, cred *credential.Credential) (*Client, error) {
	awsCfg, err := loadAWSConfig(ctx, f.cfg, cred)
	if err != nil {
		return nil, err
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = f.cfg.ForcePathStyle
		if f.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.cfg.Endpoint)
		}
	})

	return &Client{
		API:       api,
		Presigner: s3.NewPresignClient(api),
		Anonymous: cred == nil,
	}, nil
}

// loadAWSConfig builds the AWS configuration for one credential. The default
// credential chain is never consulted.
func loadAWSConfig(ctx context.Context, cfg Config, cred *credential.Credential) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		// S3-compatible stores often reject the SDK's default trailing checksums.
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cred == nil {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	} else {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cred.AccessKeyID,
			cred.SecretAccessKey,
			cred.SessionToken,
		)))
	}

	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(awsCfg.Region)
	return awsCfg, nil
}

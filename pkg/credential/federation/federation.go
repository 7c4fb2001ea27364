// Package federation exchanges identity tokens for temporary object-storage
// credentials using the STS AssumeRoleWithWebIdentity call.
//
// The federation endpoint may be a dedicated STS service or the object-storage
// endpoint itself (MinIO and similar servers expose STS on the same URL).
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/pkg/credential"
)

const (
	// DefaultDuration is the requested credential lifetime.
	DefaultDuration = 7 * 24 * time.Hour

	// MinDuration is the shortest lifetime STS accepts.
	MinDuration = 15 * time.Minute

	// DefaultRegion satisfies the SDK endpoint resolver. The exchange itself is unsigned.
	DefaultRegion = "us-east-1"

	// DefaultRoleSessionName is used when a role is configured without a session name.
	DefaultRoleSessionName = "nimbusaccess"
)

// Config configures a federation Provider.
type Config struct {
	// EndpointURL is the object-storage endpoint. Required.
	EndpointURL string

	// FederationURL is the STS endpoint. Empty uses EndpointURL.
	FederationURL string

	// Region is passed to the STS client. Defaults to DefaultRegion.
	Region string

	// Duration is the requested credential lifetime. Zero uses DefaultDuration.
	// The effective duration is capped by the identity token's remaining validity.
	Duration time.Duration

	// RoleARN and RoleSessionName select a role. Both are optional.
	RoleARN         string
	RoleSessionName string

	// HTTPClient overrides the SDK HTTP client.
	HTTPClient *http.Client
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.EndpointURL == "" && c.FederationURL == "" {
		return &ConfigError{Field: "EndpointURL", Message: "an endpoint or federation URL is required"}
	}
	if c.Duration < 0 {
		return &ConfigError{Field: "Duration", Message: "duration must not be negative"}
	}
	if c.RoleSessionName != "" && c.RoleARN == "" {
		return &ConfigError{Field: "RoleSessionName", Message: "role session name requires a role ARN"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "federation config: " + e.Field + ": " + e.Message
}

// Is matches credential.ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == credential.ErrConfiguration
}

// API is the STS operation used by Provider.
type API interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// Provider requests credentials from a federation endpoint.
// It implements credential.Provider.
type Provider struct {
	api    API
	cfg    Config
	tokens credential.TokenSource
	now    func() time.Time
	logger *zap.Logger
}

var _ credential.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source used for acquisition timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithAPI replaces the STS client.
func WithAPI(api API) Option {
	return func(p *Provider) {
		if api != nil {
			p.api = api
		}
	}
}

// New creates a Provider.
func New(cfg Config, tokens credential.TokenSource, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, &ConfigError{Field: "Tokens", Message: "an identity token source is required"}
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.RoleARN != "" && cfg.RoleSessionName == "" {
		cfg.RoleSessionName = DefaultRoleSessionName
	}

	p := &Provider{
		cfg:    cfg,
		tokens: tokens,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.api == nil {
		p.api = newSTSClient(cfg)
	}
	return p, nil
}

func newSTSClient(cfg Config) *sts.Client {
	opts := sts.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.endpoint()),
		Credentials:  aws.AnonymousCredentials{},
	}
	if cfg.HTTPClient != nil {
		opts.HTTPClient = cfg.HTTPClient
	}
	if cfg.RoleARN == "" {
		// The SDK marks RoleArn and RoleSessionName as required, but web-identity
		// federation on S3-compatible servers treats the role as optional.
		opts.APIOptions = append(opts.APIOptions, removeInputValidation)
	}
	return sts.New(opts)
}

func removeInputValidation(stack *middleware.Stack) error {
	_, err := stack.Initialize.Remove("OperationInputValidation")
	return err
}

func (c Config) endpoint() string {
	if c.FederationURL != "" {
		return c.FederationURL
	}
	return c.EndpointURL
}

// Identity returns the cache identity for this configuration.
func (p *Provider) Identity() credential.Identity {
	return credential.Identity{
		DurationSeconds: int64(p.cfg.Duration / time.Second),
		EndpointURL:     p.cfg.EndpointURL,
		FederationURL:   p.cfg.FederationURL,
		RoleARN:         p.cfg.RoleARN,
		RoleSessionName: p.cfg.RoleSessionName,
	}
}

// RequestCredential exchanges the current identity token for a credential.
//
// Transport failures are returned as-is. A response missing any credential
// field yields a *credential.FederationError.
func (p *Provider) RequestCredential(ctx context.Context) (*credential.Credential, error) {
	tokens, err := p.tokens.GetTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("get identity token: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, errors.New("get identity token: token is empty")
	}

	acquiredAt := p.now()
	duration := p.requestDuration(tokens, acquiredAt)

	input := &sts.AssumeRoleWithWebIdentityInput{
		WebIdentityToken: aws.String(tokens.AccessToken),
		DurationSeconds:  aws.Int32(int32(duration / time.Second)),
	}
	if p.cfg.RoleARN != "" {
		input.RoleArn = aws.String(p.cfg.RoleARN)
		input.RoleSessionName = aws.String(p.cfg.RoleSessionName)
	}

	p.logger.Debug("Requesting federated storage credential",
		zap.String("endpoint", p.cfg.endpoint()),
		zap.Duration("duration", duration),
		zap.Bool("role", p.cfg.RoleARN != ""))

	out, err := p.api.AssumeRoleWithWebIdentity(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("assume role with web identity: %w", err)
	}

	return p.parse(out, acquiredAt)
}

func (p *Provider) parse(out *sts.AssumeRoleWithWebIdentityOutput, acquiredAt time.Time) (*credential.Credential, error) {
	var missing []string
	if out == nil || out.Credentials == nil {
		missing = []string{"AccessKeyId", "SecretAccessKey", "SessionToken", "Expiration"}
	} else {
		c := out.Credentials
		if aws.ToString(c.AccessKeyId) == "" {
			missing = append(missing, "AccessKeyId")
		}
		if aws.ToString(c.SecretAccessKey) == "" {
			missing = append(missing, "SecretAccessKey")
		}
		if aws.ToString(c.SessionToken) == "" {
			missing = append(missing, "SessionToken")
		}
		if c.Expiration == nil || c.Expiration.IsZero() {
			missing = append(missing, "Expiration")
		}
	}
	if len(missing) > 0 {
		return nil, &credential.FederationError{Endpoint: p.cfg.endpoint(), Missing: missing}
	}

	c := out.Credentials
	return &credential.Credential{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration),
		AcquiredAt:      acquiredAt,
	}, nil
}

// requestDuration caps the configured duration by the identity token's remaining
// validity, never going below MinDuration.
func (p *Provider) requestDuration(tokens credential.Tokens, now time.Time) time.Duration {
	d := p.cfg.Duration
	if expiry, ok := credential.TokenExpiry(tokens); ok {
		if remaining := expiry.Sub(now); remaining < d {
			d = remaining
		}
	}
	if d < MinDuration {
		d = MinDuration
	}
	return d.Truncate(time.Second)
}

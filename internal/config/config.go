// Package config loads nimbusaccess configuration from defaults, an optional
// YAML file, NIMBUSACCESS_* environment variables and runtime overrides.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/3leaps/nimbusaccess/pkg/credential"
)

// Authentication modes.
const (
	AuthStatic    = "static"
	AuthFederated = "federated"
	AuthAnonymous = "anonymous"
)

// Credential store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

// Config is the complete application configuration.
type Config struct {
	S3          S3Config          `mapstructure:"s3"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// S3Config selects the storage endpoint.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	PathStyle       bool   `mapstructure:"path_style"`
	BucketToCreate  string `mapstructure:"bucket_to_create"`
	WorkspaceBucket string `mapstructure:"workspace_bucket"`
	ListPageSize    int32  `mapstructure:"list_page_size"`
}

// AuthConfig selects how credentials are obtained.
type AuthConfig struct {
	Mode       string           `mapstructure:"mode"`
	Static     StaticAuth       `mapstructure:"static"`
	Federation FederationConfig `mapstructure:"federation"`
	Token      TokenConfig      `mapstructure:"token"`
}

// StaticAuth is a fixed access key pair.
type StaticAuth struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// SessionToken is decoded only so Validate can reject it. A session token
	// belongs to a temporary credential, which must carry its expiration and
	// is obtained through federated mode.
	SessionToken string `mapstructure:"session_token"`
}

// FederationConfig configures the identity token exchange.
type FederationConfig struct {
	// URL is the STS endpoint. Empty uses the S3 endpoint.
	URL             string        `mapstructure:"url"`
	Duration        time.Duration `mapstructure:"duration"`
	RoleARN         string        `mapstructure:"role_arn"`
	RoleSessionName string        `mapstructure:"role_session_name"`
}

// TokenConfig locates the identity token. File wins over Value.
type TokenConfig struct {
	File  string `mapstructure:"file"`
	Value string `mapstructure:"value"`
}

// CredentialsConfig selects where federated credentials are kept.
type CredentialsConfig struct {
	Store string `mapstructure:"store"`
	Dir   string `mapstructure:"dir"`
}

// TransferConfig tunes uploads, deletes and presigning.
type TransferConfig struct {
	PartSize           int64         `mapstructure:"part_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	DeleteFallbackRate float64       `mapstructure:"delete_fallback_rate"`
	PresignTTL         time.Duration `mapstructure:"presign_ttl"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	AllowedBuckets  []string      `mapstructure:"allowed_buckets"`

	// AdminToken enables the token and session endpoints. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate rejects inconsistent settings. Failures are credential
// configuration errors.
func (c *Config) Validate() error {
	if c.S3.Endpoint != "" {
		if u, err := url.Parse(c.S3.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("s3.endpoint must be an absolute URL")
		}
	}

	if c.Auth.Static.SessionToken != "" {
		return invalid("auth.static.session_token is not supported: static credentials are long-lived keys, use auth.mode federated for temporary credentials")
	}

	switch c.Auth.Mode {
	case AuthStatic:
		if c.Auth.Static.AccessKeyID == "" || c.Auth.Static.SecretAccessKey == "" {
			return invalid("auth.static requires access_key_id and secret_access_key")
		}
	case AuthFederated:
		if c.Auth.Token.File == "" && c.Auth.Token.Value == "" {
			return invalid("federated auth requires auth.token.file or auth.token.value")
		}
		if c.S3.Endpoint == "" && c.Auth.Federation.URL == "" {
			return invalid("federated auth requires s3.endpoint or auth.federation.url")
		}
		if c.Auth.Federation.Duration < 0 {
			return invalid("auth.federation.duration must not be negative")
		}
	case AuthAnonymous:
	default:
		return invalid(fmt.Sprintf("auth.mode %q is not one of static, federated, anonymous", c.Auth.Mode))
	}

	if !slices.Contains([]string{StoreMemory, StoreFile}, c.Credentials.Store) {
		return invalid(fmt.Sprintf("credentials.store %q is not one of memory, file", c.Credentials.Store))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid(fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return invalid(fmt.Sprintf("logging.level %q is not a log level", c.Logging.Level))
	}
	return nil
}

// BucketAllowed reports whether the HTTP API may touch bucket. An empty
// allow list permits every bucket.
func (s ServerConfig) BucketAllowed(bucket string) bool {
	return len(s.AllowedBuckets) == 0 || slices.Contains(s.AllowedBuckets, bucket)
}

func invalid(msg string) error {
	return &credential.ConfigurationError{Op: "config", Message: msg}
}

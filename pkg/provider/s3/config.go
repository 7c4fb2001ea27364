// Package s3 builds S3 clients bound to the current storage credential.
//
// A Factory keeps one client per credential fingerprint, so repeated calls with
// an unchanged credential reuse the same connection pool. Anonymous access
// (no credential) uses unsigned requests.
package s3

import (
	"net/http"
	"net/url"
)

// Config configures a Factory.
//
// Region handling:
//   - For AWS S3: If Region is empty and not set via environment/profile,
//     defaults to us-east-1 (standard AWS convention).
//   - For S3-compatible stores: Region is typically ignored by the endpoint,
//     but the SDK signer still requires one. DefaultAWSRegion is used when
//     nothing else resolves.
//
// For S3-compatible stores (MinIO, Ceph, Wasabi), set Endpoint and
// ForcePathStyle.
type Config struct {
	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	// Examples:
	//   - MinIO: http://localhost:9000
	//   - Wasabi: https://s3.wasabisys.com
	Endpoint string

	// Region is the AWS region.
	Region string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// BucketToCreate is created once, before the first client is handed out.
	// Empty disables the bucket ensure.
	BucketToCreate string

	// HTTPClient overrides the SDK HTTP client.
	HTTPClient *http.Client
}

// DefaultAWSRegion is the fallback region when none is configured.
const DefaultAWSRegion = "us-east-1"

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: "Endpoint", Message: "endpoint must be an absolute URL"}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &ConfigError{Field: "Endpoint", Message: "endpoint scheme must be http or https"}
		}
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
	return "s3 config: " + e.Field + ": " + e.Message
}

// resolveRegion determines the final region to use after SDK config loading.
//
// The sdkRegion parameter is the region after SDK loading, which already
// incorporates an explicit region or env/profile resolution. Signing needs a
// region even for S3-compatible stores, so the fallback applies everywhere.
func resolveRegion(sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}

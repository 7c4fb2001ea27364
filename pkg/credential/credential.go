// Package credential owns the lifecycle of object-storage credentials.
//
// A Cache is configured either with a fixed credential (Static) or with a
// federation exchange (Federated). Federated credentials are cached per
// Identity in a session-scoped Store and renewed once 90% of their lifetime
// has elapsed.
package credential

import (
	"errors"
	"time"
)

// A federated credential is renewed after renewNumerator/renewDenominator of its lifetime.
const (
	renewNumerator   = 9
	renewDenominator = 10
)

// Credential is a set of object-storage access keys.
//
// A credential without SessionToken and Expiration is static and never renews.
type Credential struct {
	AccessKeyID     string    `json:"accessKeyId" yaml:"access_key_id"`
	SecretAccessKey string    `json:"secretAccessKey" yaml:"secret_access_key"`
	SessionToken    string    `json:"sessionToken,omitempty" yaml:"session_token,omitempty"`
	Expiration      time.Time `json:"expirationTime,omitzero" yaml:"expiration,omitempty"`
	AcquiredAt      time.Time `json:"acquisitionTime,omitzero" yaml:"acquired_at,omitempty"`
}

// Renewable reports whether the credential was issued by federation.
func (c *Credential) Renewable() bool {
	return c.SessionToken != ""
}

// Validate checks the credential invariants.
func (c *Credential) Validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("credential: access key ID and secret access key are required")
	}
	if c.SessionToken != "" && (c.Expiration.IsZero() || c.AcquiredAt.IsZero()) {
		return errors.New("credential: session token requires expiration and acquisition time")
	}
	return nil
}

// TTL returns the lifetime the issuer granted. Zero for static credentials.
func (c *Credential) TTL() time.Duration {
	if c.Expiration.IsZero() || c.AcquiredAt.IsZero() {
		return 0
	}
	return c.Expiration.Sub(c.AcquiredAt)
}

// FreshAt reports whether the credential can still be handed out at now.
// Federated credentials stop being fresh once 90% of their TTL has elapsed.
func (c *Credential) FreshAt(now time.Time) bool {
	if c.Expiration.IsZero() {
		return true
	}
	deadline := c.AcquiredAt.Add(c.TTL() * renewNumerator / renewDenominator)
	return now.Before(deadline)
}

// Clone returns a copy of the credential. Nil-safe.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

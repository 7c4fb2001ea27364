package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusaccess/internal/config"
	"github.com/3leaps/nimbusaccess/pkg/credential"
)

func TestConfigHealthChecker(t *testing.T) {
	t.Run("returns error when config not loaded", func(t *testing.T) {
		err := configHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration not loaded")
	})

	t.Run("valid config", func(t *testing.T) {
		cfg := &config.Config{
			Auth:        config.AuthConfig{Mode: config.AuthAnonymous},
			Credentials: config.CredentialsConfig{Store: config.StoreMemory},
			Logging:     config.LoggingConfig{Level: "info"},
		}
		assert.NoError(t, configHealthChecker{cfg: cfg}.CheckHealth(context.Background()))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := &config.Config{Auth: config.AuthConfig{Mode: config.AuthStatic}}
		err := configHealthChecker{cfg: cfg}.CheckHealth(context.Background())
		assert.True(t, credential.IsConfigurationError(err))
	})
}

type stubTokens struct {
	cred    *credential.Credential
	err     error
	renewed bool
}

func (s *stubTokens) GetToken(_ context.Context, forceRenew bool) (*credential.Credential, error) {
	s.renewed = s.renewed || forceRenew
	return s.cred, s.err
}

func TestCredentialHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		tokens     *stubTokens
		errContain string
	}{
		{name: "anonymous", tokens: &stubTokens{}},
		{name: "static", tokens: &stubTokens{cred: &credential.Credential{AccessKeyID: "ak", SecretAccessKey: "sk"}}},
		{
			name: "federated and valid",
			tokens: &stubTokens{cred: &credential.Credential{
				AccessKeyID: "ak", SecretAccessKey: "sk", SessionToken: "st",
				Expiration: time.Now().Add(time.Hour),
			}},
		},
		{
			name: "expired",
			tokens: &stubTokens{cred: &credential.Credential{
				AccessKeyID: "ak", SecretAccessKey: "sk", SessionToken: "st",
				Expiration: time.Now().Add(-time.Minute),
			}},
			errContain: "expired",
		},
		{name: "federation failure", tokens: &stubTokens{err: errors.New("sts unreachable")}, errContain: "sts unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := credentialHealthChecker{tokens: tt.tokens}.CheckHealth(context.Background())
			if tt.errContain == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			}
			assert.False(t, tt.tokens.renewed, "health checks never force a renewal")
		})
	}
}

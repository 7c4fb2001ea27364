package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/config"
	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		arg       string
		want      string
	}{
		{"no workspace", "", "bucket/key", "bucket/key"},
		{"scheme wins", "team", "s3://other/key", "s3://other/key"},
		{"relative", "team", "inbox/a.bin", "team/inbox/a.bin"},
		{"leading slash", "team", "/inbox/", "team/inbox/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{S3: config.S3Config{WorkspaceBucket: tt.workspace}}
			assert.Equal(t, tt.want, resolvePath(cfg, tt.arg))
		})
	}
}

func TestNewCredentialCache(t *testing.T) {
	logger := zap.NewNop()

	t.Run("anonymous", func(t *testing.T) {
		cache, err := newCredentialCache(&config.Config{Auth: config.AuthConfig{Mode: config.AuthAnonymous}}, logger)
		require.NoError(t, err)
		assert.Nil(t, cache)
	})

	t.Run("static", func(t *testing.T) {
		cfg := &config.Config{Auth: config.AuthConfig{
			Mode:   config.AuthStatic,
			Static: config.StaticAuth{AccessKeyID: "ak", SecretAccessKey: "sk"},
		}}
		cache, err := newCredentialCache(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cache)
		assert.False(t, cache.Federated())

		cred, err := cache.GetCredential(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "ak", cred.AccessKeyID)
	})

	t.Run("federated with file store", func(t *testing.T) {
		cfg := &config.Config{
			S3: config.S3Config{Endpoint: "http://localhost:9000"},
			Auth: config.AuthConfig{
				Mode:       config.AuthFederated,
				Federation: config.FederationConfig{Duration: time.Hour},
				Token:      config.TokenConfig{Value: "jwt"},
			},
			Credentials: config.CredentialsConfig{Store: config.StoreFile, Dir: t.TempDir()},
		}
		cache, err := newCredentialCache(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cache)
		assert.True(t, cache.Federated())
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := newCredentialCache(&config.Config{Auth: config.AuthConfig{Mode: "kerberos"}}, logger)
		assert.True(t, credential.IsConfigurationError(err))
	})
}

func TestNewAdapterAppliesTransferConfig(t *testing.T) {
	cfg := &config.Config{
		S3:       config.S3Config{Endpoint: "http://localhost:9000", Region: "us-east-1", PathStyle: true},
		Auth:     config.AuthConfig{Mode: config.AuthAnonymous},
		Transfer: config.TransferConfig{PartSize: 8 << 20, Concurrency: 2, PresignTTL: time.Minute},
	}
	adapter, err := newAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, adapter.Federated())

	cred, err := adapter.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestStorageExitCode(t *testing.T) {
	kind := func(k error) error {
		return &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderS3, Kind: k, Err: errors.New("sdk")}
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid path", &objectstore.InvalidPathError{Path: "s3://", Reason: "missing bucket"}, foundry.ExitInvalidArgument},
		{"configuration", &credential.ConfigurationError{Op: "GetCredential", Message: "static"}, foundry.ExitInvalidArgument},
		{"malformed policy", fmt.Errorf("%w: bad", policy.ErrMalformed), foundry.ExitInvalidArgument},
		{"not found", kind(provider.ErrNotFound), foundry.ExitFileNotFound},
		{"bucket not found", kind(provider.ErrBucketNotFound), foundry.ExitFileNotFound},
		{"access denied", kind(provider.ErrAccessDenied), foundry.ExitExternalServiceUnavailable},
		{"cancelled", context.Canceled, foundry.ExitSignalInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storageExitCode(tt.err))
		})
	}
}

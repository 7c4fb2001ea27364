package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/config"
	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/credential/federation"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newAdapter builds the access layer for cfg.
func newAdapter(cfg *config.Config, logger *zap.Logger) (*objectstore.Adapter, error) {
	creds, err := newCredentialCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	tcfg := transfer.DefaultConfig()
	if cfg.Transfer.PartSize > 0 {
		tcfg.PartSize = cfg.Transfer.PartSize
	}
	if cfg.Transfer.Concurrency > 0 {
		tcfg.Concurrency = cfg.Transfer.Concurrency
	}
	tcfg.DeleteFallbackRate = cfg.Transfer.DeleteFallbackRate
	if cfg.Transfer.PresignTTL > 0 {
		tcfg.PresignTTL = cfg.Transfer.PresignTTL
	}

	return objectstore.New(objectstore.Config{
		S3: s3provider.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			ForcePathStyle: cfg.S3.PathStyle,
			BucketToCreate: cfg.S3.BucketToCreate,
		},
		Transfer:     tcfg,
		ListPageSize: cfg.S3.ListPageSize,
	}, creds, objectstore.WithLogger(logger))
}

// newCredentialCache builds the credential cache for the configured auth
// mode. Anonymous mode returns nil.
func newCredentialCache(cfg *config.Config, logger *zap.Logger) (*credential.Cache, error) {
	switch cfg.Auth.Mode {
	case config.AuthAnonymous, "":
		return nil, nil

	case config.AuthStatic:
		return credential.NewCache(credential.Static{Credential: &credential.Credential{
			AccessKeyID:     cfg.Auth.Static.AccessKeyID,
			SecretAccessKey: cfg.Auth.Static.SecretAccessKey,
		}}, credential.WithLogger(logger))

	case config.AuthFederated:
		var tokens credential.TokenSource = credential.StaticTokenSource{Token: cfg.Auth.Token.Value}
		if cfg.Auth.Token.File != "" {
			tokens = credential.NewFileTokenSource(cfg.Auth.Token.File)
		}

		prov, err := federation.New(federation.Config{
			EndpointURL:     cfg.S3.Endpoint,
			FederationURL:   cfg.Auth.Federation.URL,
			Region:          cfg.S3.Region,
			Duration:        cfg.Auth.Federation.Duration,
			RoleARN:         cfg.Auth.Federation.RoleARN,
			RoleSessionName: cfg.Auth.Federation.RoleSessionName,
		}, tokens, federation.WithLogger(logger))
		if err != nil {
			return nil, err
		}

		store, err := newCredentialStore(cfg.Credentials)
		if err != nil {
			return nil, err
		}

		return credential.NewCache(credential.Federated{
			Provider: prov,
			Tokens:   tokens,
			Identity: prov.Identity(),
			Store:    store,
		}, credential.WithLogger(logger))

	default:
		return nil, &credential.ConfigurationError{Op: "auth", Message: fmt.Sprintf("unknown mode %q", cfg.Auth.Mode)}
	}
}

func newCredentialStore(cfg config.CredentialsConfig) (credential.Store, error) {
	if cfg.Store == config.StoreFile {
		return credential.NewFileStore(cfg.Dir)
	}
	return credential.NewMemoryStore(), nil
}

// resolvePath applies the workspace bucket to paths given without a scheme.
func resolvePath(cfg *config.Config, arg string) string {
	if cfg.S3.WorkspaceBucket == "" || strings.HasPrefix(arg, s3path.Scheme) {
		return arg
	}
	return cfg.S3.WorkspaceBucket + "/" + strings.TrimPrefix(arg, "/")
}

// storageExitCode maps an access-layer error to a process exit code.
func storageExitCode(err error) int {
	var invalidPath *objectstore.InvalidPathError
	switch {
	case errors.As(err, &invalidPath),
		credential.IsConfigurationError(err),
		errors.Is(err, policy.ErrMalformed):
		return foundry.ExitInvalidArgument
	case provider.IsNotFound(err), provider.IsBucketNotFound(err):
		return foundry.ExitFileNotFound
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	default:
		return foundry.ExitExternalServiceUnavailable
	}
}

// storageError wraps err with the exit code its kind maps to.
func storageError(message string, err error) error {
	return exitError(storageExitCode(err), message, err)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/config"
	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/internal/server"
	"github.com/3leaps/nimbusaccess/internal/server/handlers"
	"github.com/3leaps/nimbusaccess/pkg/credential"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the object API over HTTP",
	Long: `Serve the object API over HTTP.

Endpoints:
  GET    /health, /health/live, /health/ready, /health/startup, /version
  GET    /v1/objects?path=bucket/prefix/       list a prefix
  PUT    /v1/objects?path=bucket/key           upload the request body
  DELETE /v1/objects?path=bucket/key           delete one object
  POST   /v1/objects:delete                    delete {"paths": [...]}
  GET    /v1/objects/url?path=...&ttl=15m      presigned download URL
  GET    /v1/objects/content?path=...          object content (Range supported)
  GET    /v1/objects/content-type?path=...     detected content type
  PUT    /v1/policy                            {"path": ..., "access": "public"|"private"}

With server.admin_token set, GET /v1/token and POST /v1/session/reset are
served to requests carrying "Authorization: Bearer <token>".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()

	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	logger, err := observability.NewLogger(binaryName, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("config", configHealthChecker{cfg: cfg})
	health.RegisterChecker("storage", adapter)
	health.RegisterChecker("credentials", credentialHealthChecker{tokens: adapter})

	objects := handlers.NewObjects(adapter,
		handlers.WithLogger(logger),
		handlers.WithBucketFilter(cfg.Server.BucketAllowed),
		handlers.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	)

	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithHealthManager(health),
		server.WithVersionInfo(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithObjects(objects),
		server.WithAdminToken(cfg.Server.AdminToken),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)

	logger.Info("Starting server",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("endpoint", cfg.S3.Endpoint),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.Bool("admin_endpoints", cfg.Server.AdminToken != ""),
		zap.Strings("allowed_buckets", cfg.Server.AllowedBuckets))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received")
	if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return exitError(foundry.ExitSignalInt, "Graceful shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// configHealthChecker reports whether the loaded configuration is still valid.
type configHealthChecker struct {
	cfg *config.Config
}

func (c configHealthChecker) CheckHealth(context.Context) error {
	if c.cfg == nil {
		return errors.New("configuration not loaded")
	}
	return c.cfg.Validate()
}

type tokenGetter interface {
	GetToken(ctx context.Context, forceRenew bool) (*credential.Credential, error)
}

// credentialHealthChecker reports whether a credential can be obtained. It
// never forces a renewal.
type credentialHealthChecker struct {
	tokens tokenGetter
}

func (c credentialHealthChecker) CheckHealth(ctx context.Context) error {
	cred, err := c.tokens.GetToken(ctx, false)
	if err != nil {
		return err
	}
	if cred != nil && !cred.Expiration.IsZero() && time.Now().After(cred.Expiration) {
		return fmt.Errorf("credential expired at %s", cred.Expiration.Format(time.RFC3339))
	}
	return nil
}

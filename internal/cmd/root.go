// Package cmd implements the nimbusaccess command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/config"
	"github.com/3leaps/nimbusaccess/internal/observability"
)

const binaryName = "nimbusaccess"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile      string
	verbose      bool
	flagEndpoint string
	flagRegion   string
	flagAuthMode string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Object-storage access layer",
	Long: `nimbusaccess lists, uploads, reads, shares and deletes objects in S3 and
S3-compatible stores, with static, federated or anonymous credentials.

Paths take the form s3://bucket/key, bucket/key or bucket/prefix/. When
s3.workspace_bucket is set, paths without the s3:// scheme are resolved
inside that bucket.

Configuration comes from defaults, an optional YAML file (--config or
NIMBUSACCESS_CONFIG), NIMBUSACCESS_* environment variables and flags, in
increasing priority.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $NIMBUSACCESS_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint", "", "Custom S3 endpoint")
	rootCmd.PersistentFlags().StringVarP(&flagRegion, "region", "r", "", "Region")
	rootCmd.PersistentFlags().StringVar(&flagAuthMode, "auth", "", "Auth mode: static, federated or anonymous")
}

// SetVersionInfo records build metadata for version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func initConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(binaryName, verbose)

	cfg, err := loadConfig(cmd)
	if err != nil {
		observability.CLILogger.Error("Invalid configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("endpoint", cfg.S3.Endpoint),
		zap.String("region", cfg.S3.Region),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("credentials_store", cfg.Credentials.Store))
	return nil
}

// loadConfig loads the configuration with the persistent flags the user set
// applied as overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file := cfgFile
	if file == "" {
		file = os.Getenv(config.EnvConfigFile)
	}

	overrides := map[string]any{}
	flags := cmd.Root().PersistentFlags()
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return config.LoadFile(ctx, file, overrides)
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"endpoint": "s3.endpoint",
	"region":   "s3.region",
	"auth":     "auth.mode",
}

// currentConfig returns the configuration loaded for this invocation.
func currentConfig() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signalContext()
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := ExitCode(err)
		if ctx.Err() != nil {
			code = foundry.ExitSignalInt
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return code
	}
	return 0
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

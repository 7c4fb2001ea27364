package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the current storage credential",
	Long: `Print the credential used for storage requests.

Federated credentials are renewed once 90% of their lifetime has passed, or
immediately with --renew. Static credentials cannot be renewed. Anonymous
access has no credential.

The output contains secrets. It is JSON suitable for credential_process style
consumers.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var (
	tokenRenew bool
	tokenReset bool
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().BoolVar(&tokenRenew, "renew", false, "Force a renewal")
	tokenCmd.Flags().BoolVar(&tokenReset, "reset", false, "Drop cached credentials before fetching")
}

type tokenRecord struct {
	Version         int       `json:"Version"`
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"SessionToken,omitempty"`
	Expiration      time.Time `json:"Expiration,omitzero"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	if tokenReset {
		if err := adapter.InvalidateScope(ctx); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to reset credentials", err)
		}
	}

	cred, err := adapter.GetToken(ctx, tokenRenew)
	if err != nil {
		observability.CLILogger.Error("Failed to get credential", zap.Bool("renew", tokenRenew), zap.Error(err))
		return storageError("Failed to get credential", err)
	}
	if cred == nil {
		return exitError(foundry.ExitInvalidArgument, "No credential", fmt.Errorf("auth mode %q is anonymous", cfg.Auth.Mode))
	}

	observability.CLILogger.Debug("Credential ready",
		zap.Bool("federated", adapter.Federated()),
		zap.Time("expiration", cred.Expiration))

	return json.NewEncoder(cmd.OutOrStdout()).Encode(tokenRecord{
		Version:         1,
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
		SessionToken:    cred.SessionToken,
		Expiration:      cred.Expiration,
	})
}

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
)

var urlCmd = &cobra.Command{
	Use:   "url <path>",
	Short: "Print a presigned download URL",
	Long: `Print a time-limited URL that downloads the object without credentials.

Examples:
  nimbusaccess url s3://bucket/reports/q1.csv
  nimbusaccess url s3://bucket/reports/q1.csv --ttl 15m --json`,
	Args: cobra.ExactArgs(1),
	RunE: runURL,
}

var (
	urlTTL  time.Duration
	urlJSON bool
)

func init() {
	rootCmd.AddCommand(urlCmd)

	urlCmd.Flags().DurationVar(&urlTTL, "ttl", 0, "URL lifetime (default: transfer.presign_ttl)")
	urlCmd.Flags().BoolVar(&urlJSON, "json", false, "Output as JSON")
}

func runURL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	path := resolvePath(cfg, args[0])

	if urlTTL < 0 || urlTTL > transfer.MaxPresignTTL {
		return exitError(foundry.ExitInvalidArgument, "Invalid --ttl value",
			fmt.Errorf("ttl must be between 0 and %s", transfer.MaxPresignTTL))
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	u, err := adapter.GetDownloadURL(ctx, path, urlTTL)
	if err != nil {
		observability.CLILogger.Error("Failed to presign", zap.String("path", path), zap.Error(err))
		return storageError("Failed to presign", err)
	}

	out := cmd.OutOrStdout()
	if urlJSON {
		return json.NewEncoder(out).Encode(u)
	}
	_, err = fmt.Fprintln(out, u.URL)
	return err
}

package cmd

import (
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/content"
)

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Write object content to stdout",
	Long: `Write the content of an object, or a byte range of it, to stdout.

Examples:
  nimbusaccess cat s3://bucket/notes.txt
  nimbusaccess cat s3://bucket/big.log --range 0-1023
  nimbusaccess cat s3://bucket/big.log --range 1048576-`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

var catRange string

func init() {
	rootCmd.AddCommand(catCmd)

	catCmd.Flags().StringVar(&catRange, "range", "", "Byte range start-end or start- (inclusive)")
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	path := resolvePath(cfg, args[0])

	var rng *content.Range
	if catRange != "" {
		r, err := content.ParseRange(catRange)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --range value", err)
		}
		rng = &r
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	body, _, err := adapter.GetContent(ctx, path, rng)
	if err != nil {
		observability.CLILogger.Error("Failed to read object", zap.String("path", path), zap.Error(err))
		return storageError("Failed to read object", err)
	}
	defer func() { _ = body.Close() }()

	if _, err := io.Copy(cmd.OutOrStdout(), body); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write content", err)
	}
	return nil
}

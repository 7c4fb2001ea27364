package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

var shareCmd = &cobra.Command{
	Use:   "share <path> public|private",
	Short: "Make a path publicly readable, or private again",
	Long: `Edit the bucket policy so that everything under a path is publicly
readable and listable, or revert that grant.

The bucket policy is read, edited and written back as a whole. Statements
that do not grant public reads are kept as they are. A policy left without
statements is deleted.

Examples:
  nimbusaccess share s3://bucket/public/ public
  nimbusaccess share s3://bucket/public/ private
  nimbusaccess share s3://bucket/public/ public --print-policy`,
	Args: cobra.ExactArgs(2),
	RunE: runShare,
}

var sharePrintPolicy bool

func init() {
	rootCmd.AddCommand(shareCmd)

	shareCmd.Flags().BoolVar(&sharePrintPolicy, "print-policy", false, "Print the resulting bucket policy")
}

func runShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	path := resolvePath(cfg, args[0])

	access, err := objectstore.ParseAccess(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid access", err)
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	doc, err := adapter.SetPathAccessPolicy(ctx, path, access)
	if err != nil {
		observability.CLILogger.Error("Failed to update bucket policy",
			zap.String("path", path),
			zap.String("access", string(access)),
			zap.Error(err))
		return storageError("Failed to update bucket policy", err)
	}

	out := cmd.OutOrStdout()
	if sharePrintPolicy {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	_, err = fmt.Fprintf(out, "%s is now %s\n", s3path.Parse(path).URI(), access)
	return err
}

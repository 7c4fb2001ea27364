package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Delete objects",
	Long: `Delete one or more objects.

Several paths are deleted with batch requests grouped by bucket. When a batch
request fails as a whole its objects are deleted one at a time. Every path
is reported; the command fails when any delete failed.

Examples:
  nimbusaccess rm s3://bucket/old.csv
  nimbusaccess rm s3://bucket/a.csv s3://bucket/b.csv --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

var rmJSON bool

func init() {
	rootCmd.AddCommand(rmCmd)

	rmCmd.Flags().BoolVar(&rmJSON, "json", false, "Output per-path results as JSONL")
}

type rmRecord struct {
	Path     string `json:"path"`
	Deleted  bool   `json:"deleted"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()

	paths := make([]string, len(args))
	for i, a := range args {
		paths[i] = resolvePath(cfg, a)
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	if len(paths) == 1 {
		if err := adapter.DeleteOne(ctx, paths[0]); err != nil {
			observability.CLILogger.Error("Delete failed", zap.String("path", paths[0]), zap.Error(err))
			return storageError("Delete failed", err)
		}
		return writeRmRecords(cmd, []rmRecord{{Path: s3path.Parse(paths[0]).URI(), Deleted: true}})
	}

	results, err := adapter.DeleteMany(ctx, paths)
	if err != nil {
		return storageError("Delete failed", err)
	}

	records := make([]rmRecord, 0, len(results))
	for _, r := range results {
		rec := rmRecord{Path: r.Path.URI(), Deleted: r.Err == nil, Fallback: r.Fallback}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		records = append(records, rec)
	}
	if err := writeRmRecords(cmd, records); err != nil {
		return err
	}

	if failed := results.Failed(); len(failed) > 0 {
		observability.CLILogger.Error("Some deletes failed",
			zap.Int("requested", len(results)),
			zap.Int("failed", len(failed)))
		return storageError(fmt.Sprintf("%d of %d deletes failed", len(failed), len(results)), failed[0].Err)
	}
	return nil
}

func writeRmRecords(cmd *cobra.Command, records []rmRecord) error {
	out := cmd.OutOrStdout()
	if rmJSON {
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
		}
		return nil
	}
	for _, r := range records {
		var err error
		if r.Deleted {
			_, err = fmt.Fprintf(out, "deleted  %s\n", r.Path)
		} else {
			_, err = fmt.Fprintf(out, "failed   %s: %s\n", r.Path, r.Error)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

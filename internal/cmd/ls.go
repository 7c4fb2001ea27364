package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/listing"
)

var lsCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List files and directories under a prefix",
	Long: `List the files and directories directly under a prefix.

Each entry is marked public when a bucket policy grant covers it. When the
bucket policy cannot be read the PUBLIC column shows "?".

Examples:
  nimbusaccess ls s3://bucket/
  nimbusaccess ls s3://bucket/reports/ --match '*.csv'
  nimbusaccess ls s3://bucket/reports/ --json`,
	Args: cobra.ExactArgs(1),
	RunE: runLs,
}

var (
	lsMatch string
	lsJSON  bool
)

func init() {
	rootCmd.AddCommand(lsCmd)

	lsCmd.Flags().StringVar(&lsMatch, "match", "", "Glob filter on entry names (doublestar syntax)")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Output as JSONL")
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	path := resolvePath(cfg, args[0])

	if lsMatch != "" && !doublestar.ValidatePattern(lsMatch) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad pattern %q", lsMatch))
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	res, err := adapter.List(ctx, path)
	if err != nil {
		observability.CLILogger.Error("Failed to list", zap.String("path", path), zap.Error(err))
		return storageError("Failed to list", err)
	}

	objects := filterObjects(res.Objects, lsMatch)
	if lsJSON {
		return outputListJSON(cmd.OutOrStdout(), objects)
	}
	return outputListTable(cmd.OutOrStdout(), objects, res.PolicyAvailable)
}

// filterObjects keeps entries whose basename matches pattern.
func filterObjects(objects []listing.Object, pattern string) []listing.Object {
	if pattern == "" {
		return objects
	}
	out := make([]listing.Object, 0, len(objects))
	for _, o := range objects {
		if ok, _ := doublestar.Match(pattern, o.Basename); ok {
			out = append(out, o)
		}
	}
	return out
}

func outputListJSON(w io.Writer, objects []listing.Object) error {
	enc := json.NewEncoder(w)
	for _, o := range objects {
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}
	return nil
}

func outputListTable(out io.Writer, objects []listing.Object, policyAvailable bool) error {
	if len(objects) == 0 {
		_, err := fmt.Fprintln(out, "No objects found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tPUBLIC"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	var files int
	var totalSize int64
	for _, o := range objects {
		name, size, modified := o.Basename+"/", "-", "-"
		if !o.IsDir() {
			name = o.Basename
			files++
			totalSize += o.Size
			size = formatSize(o.Size)
			modified = o.LastModified.Format("2006-01-02 15:04:05")
		}
		public := "?"
		if policyAvailable {
			public = "no"
			if o.IsPublic {
				public = "yes"
			}
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, size, modified, public); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	_, err := fmt.Fprintf(out, "\n%d entries, %d file(s) (%s total)\n", len(objects), files, formatSize(totalSize))
	return err
}

// formatSize formats bytes as human-readable size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

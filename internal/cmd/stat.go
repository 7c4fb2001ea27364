package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	"github.com/3leaps/nimbusaccess/pkg/s3path"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>...",
	Short: "Show object metadata",
	Long: `Show the metadata of one or more objects.

Several paths are headed concurrently (--parallel). Each path is reported;
the command fails when any of them could not be read.

With --sniff, a generic stored content type (application/octet-stream,
binary/octet-stream or none) is replaced by one detected from the leading
bytes of the object.

Examples:
  nimbusaccess stat s3://bucket/image
  nimbusaccess stat s3://bucket/image --sniff --json
  nimbusaccess stat s3://bucket/a.csv s3://bucket/b.csv --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStat,
}

var (
	statSniff    bool
	statJSON     bool
	statParallel int
)

func init() {
	rootCmd.AddCommand(statCmd)

	statCmd.Flags().BoolVar(&statSniff, "sniff", false, "Detect the content type from the object's leading bytes")
	statCmd.Flags().BoolVar(&statJSON, "json", false, "Output as JSONL")
	statCmd.Flags().IntVar(&statParallel, "parallel", 4, "Concurrent requests when several paths are given")
}

type statRecord struct {
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified,omitzero"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func newStatRecord(p s3path.Path, meta *provider.ObjectMeta) statRecord {
	return statRecord{
		Path:         p.URI(),
		Size:         meta.Size,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		ContentType:  meta.ContentType,
		Metadata:     meta.Metadata,
	}
}

func runStat(cmd *cobra.Command, args []string) error {
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

	var results []objectstore.StatResult
	if len(paths) == 1 {
		meta, err := adapter.Stat(ctx, paths[0])
		if err != nil {
			observability.CLILogger.Error("Failed to stat object", zap.String("path", paths[0]), zap.Error(err))
			return storageError("Failed to stat object", err)
		}
		results = []objectstore.StatResult{{Path: s3path.Parse(paths[0]), Meta: meta}}
	} else {
		results, err = adapter.StatMany(ctx, paths, statParallel)
		if err != nil {
			return storageError("Failed to stat objects", err)
		}
	}

	records := make([]statRecord, len(results))
	var firstErr error
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
			records[i] = statRecord{Path: r.Path.URI(), Error: r.Err.Error()}
			continue
		}
		records[i] = newStatRecord(r.Path, r.Meta)
		if statSniff {
			ct, err := adapter.GetContentType(ctx, r.Path.URI())
			if err != nil {
				return storageError("Failed to detect content type", err)
			}
			records[i].ContentType = ct
		}
	}

	if err := writeStatRecords(cmd.OutOrStdout(), records); err != nil {
		return err
	}
	if failed > 0 {
		observability.CLILogger.Error("Some objects could not be read",
			zap.Int("requested", len(results)),
			zap.Int("failed", failed))
		return storageError(fmt.Sprintf("%d of %d objects could not be read", failed, len(results)), firstErr)
	}
	return nil
}

func writeStatRecords(out io.Writer, records []statRecord) error {
	if statJSON {
		enc := json.NewEncoder(out)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for i, rec := range records {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = fmt.Fprintf(w, "Path:\t%s\n", rec.Path)
		if rec.Error != "" {
			_, _ = fmt.Fprintf(w, "Error:\t%s\n", rec.Error)
			continue
		}
		_, _ = fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", formatSize(rec.Size), rec.Size)
		_, _ = fmt.Fprintf(w, "Content-Type:\t%s\n", rec.ContentType)
		_, _ = fmt.Fprintf(w, "ETag:\t%s\n", rec.ETag)
		if !rec.LastModified.IsZero() {
			_, _ = fmt.Fprintf(w, "Modified:\t%s\n", rec.LastModified.Format("2006-01-02 15:04:05"))
		}
		for k, v := range rec.Metadata {
			_, _ = fmt.Fprintf(w, "x-amz-meta-%s:\t%s\n", k, v)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

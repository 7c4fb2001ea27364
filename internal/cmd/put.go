package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
)

var putCmd = &cobra.Command{
	Use:   "put <file|-> <path>",
	Short: "Upload a file",
	Long: `Upload a local file, or stdin when the file is "-".

Bodies larger than one part are uploaded as a multipart upload. A path
ending in "/" stores the file under its own name inside that prefix.

Examples:
  nimbusaccess put report.csv s3://bucket/reports/
  nimbusaccess put report.csv s3://bucket/reports/2026-q1.csv --progress
  tar cz dir | nimbusaccess put - s3://bucket/backup.tgz --content-type application/gzip`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var (
	putContentType string
	putProgress    bool
	putJSON        bool
)

func init() {
	rootCmd.AddCommand(putCmd)

	putCmd.Flags().StringVar(&putContentType, "content-type", "", "Content type (default: detected)")
	putCmd.Flags().BoolVar(&putProgress, "progress", false, "Log upload progress")
	putCmd.Flags().BoolVar(&putJSON, "json", false, "Output as JSON")
}

type putRecord struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type"`
	Parts       int    `json:"parts"`
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	src, dst := args[0], resolvePath(cfg, args[1])

	var body io.Reader
	size := int64(-1)
	if src == "-" {
		if strings.HasSuffix(dst, "/") {
			return exitError(foundry.ExitInvalidArgument, "Invalid destination", fmt.Errorf("stdin uploads need an object name, got prefix %q", dst))
		}
		body = cmd.InOrStdin()
	} else {
		f, err := os.Open(src)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Failed to open file", err)
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to stat file", err)
		}
		if info.IsDir() {
			return exitError(foundry.ExitInvalidArgument, "Invalid source", fmt.Errorf("%s is a directory", src))
		}
		size = info.Size()
		body = f
		if strings.HasSuffix(dst, "/") {
			dst += filepath.Base(src)
		}
	}

	adapter, err := newAdapter(cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure storage access", err)
	}

	opts := objectstore.UploadOptions{Size: size, ContentType: putContentType}
	if putProgress {
		opts.OnProgress = func(p transfer.Progress) {
			observability.CLILogger.Info("Upload progress",
				zap.String("path", dst),
				zap.Int64("loaded", p.Loaded),
				zap.Int64("total", p.Total),
				zap.Int("percent", p.Percent))
		}
	}

	res, err := adapter.Upload(ctx, dst, body, opts)
	if err != nil {
		observability.CLILogger.Error("Upload failed", zap.String("path", dst), zap.Error(err))
		return storageError("Upload failed", err)
	}

	out := cmd.OutOrStdout()
	if putJSON {
		return json.NewEncoder(out).Encode(putRecord{
			Path:        res.Path.URI(),
			Size:        res.Size,
			ETag:        res.ETag,
			ContentType: res.ContentType,
			Parts:       res.Parts,
		})
	}
	_, err = fmt.Fprintf(out, "Uploaded %s (%s, %s, %d part(s))\n", res.Path.URI(), formatSize(res.Size), res.ContentType, res.Parts)
	return err
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/observability"
	"github.com/3leaps/nimbusaccess/pkg/objectstore"
)

var doctorBucket string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, credentials and storage
endpoint, and suggest fixes for common issues.

The bucket check lists the root of --bucket, or of s3.workspace_bucket when
the flag is not given. It is skipped when neither is set.

Examples:
  nimbusaccess doctor
  nimbusaccess doctor --bucket reports`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorBucket, "bucket", "", "Bucket to list (default: s3.workspace_bucket)")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	out := cmd.OutOrStdout()

	bucket := doctorBucket
	if bucket == "" {
		bucket = cfg.S3.WorkspaceBucket
	}

	var adapter *objectstore.Adapter
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{"configuration", func(ctx context.Context) (string, error) {
			if err := (configHealthChecker{cfg: cfg}).CheckHealth(ctx); err != nil {
				return "", err
			}
			endpoint := cfg.S3.Endpoint
			if endpoint == "" {
				endpoint = "AWS S3"
			}
			return fmt.Sprintf("%s (%s), auth %s", endpoint, cfg.S3.Region, cfg.Auth.Mode), nil
		}},
		{"credentials", func(ctx context.Context) (string, error) {
			a, err := newAdapter(cfg, observability.CLILogger)
			if err != nil {
				return "", err
			}
			adapter = a
			if err := (credentialHealthChecker{tokens: a}).CheckHealth(ctx); err != nil {
				return "", err
			}
			cred, err := a.GetToken(ctx, false)
			if err != nil {
				return "", err
			}
			if cred == nil {
				return "anonymous", nil
			}
			return "access key " + maskAccessKey(cred.AccessKeyID), nil
		}},
		{"storage client", func(ctx context.Context) (string, error) {
			if adapter == nil {
				return "", fmt.Errorf("skipped: no credentials")
			}
			return "ready", adapter.CheckHealth(ctx)
		}},
	}
	if bucket != "" {
		checks = append(checks, doctorCheck{"bucket " + bucket, func(ctx context.Context) (string, error) {
			if adapter == nil {
				return "", fmt.Errorf("skipped: no credentials")
			}
			res, err := adapter.List(ctx, bucket+"/")
			if err != nil {
				return "", err
			}
			policy := "policy readable"
			if !res.PolicyAvailable {
				policy = "policy unavailable"
			}
			return fmt.Sprintf("%d entries at root, %s", len(res.Objects), policy), nil
		}})
	}

	_, _ = fmt.Fprintf(out, "=== %s doctor ===\n\n", binaryName)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			observability.CLILogger.Debug("Check failed", zap.String("check", c.name), zap.Error(err))
			_, _ = fmt.Fprintf(out, "[%d/%d] %s... FAILED: %v\n", i+1, len(checks), c.name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "[%d/%d] %s... ok %s\n", i+1, len(checks), c.name, detail)
	}

	if failed > 0 {
		printDoctorHelp(out)
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	_, _ = fmt.Fprintln(out, "\nAll checks passed.")
	return nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printDoctorHelp(out io.Writer) {
	_, _ = fmt.Fprint(out, `
To configure storage access:
  - Set s3.endpoint (NIMBUSACCESS_ENDPOINT) for S3-compatible stores
  - For static keys set auth.mode=static with NIMBUSACCESS_ACCESS_KEY_ID
    and NIMBUSACCESS_SECRET_ACCESS_KEY
  - For federation set auth.mode=federated and auth.token.file
    (NIMBUSACCESS_TOKEN_FILE) to a file holding the identity token
`)
}

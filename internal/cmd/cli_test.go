package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusaccess/pkg/listing"
	"github.com/3leaps/nimbusaccess/test/cloudtest"
)

// resetFlags restores every flag to its default, before and after the test.
func resetFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		var walk func(c *cobra.Command)
		walk = func(c *cobra.Command) {
			for _, fs := range []*pflag.FlagSet{c.PersistentFlags(), c.Flags()} {
				fs.VisitAll(func(f *pflag.Flag) {
					_ = f.Value.Set(f.DefValue)
					f.Changed = false
				})
			}
			for _, sub := range c.Commands() {
				walk(sub)
			}
		}
		walk(rootCmd)
	}
	reset()
	t.Cleanup(reset)
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// useFakeS3 points the CLI at an in-process S3 server with static credentials.
func useFakeS3(t *testing.T, buckets ...string) *cloudtest.FakeS3 {
	t.Helper()
	fake := cloudtest.NewFakeS3(t, buckets...)
	t.Setenv("NIMBUSACCESS_CONFIG", "")
	t.Setenv("NIMBUSACCESS_S3_ENDPOINT", fake.Endpoint)
	t.Setenv("NIMBUSACCESS_AUTH_MODE", "static")
	t.Setenv("NIMBUSACCESS_ACCESS_KEY_ID", cloudtest.TestAccessKeyID)
	t.Setenv("NIMBUSACCESS_SECRET_ACCESS_KEY", cloudtest.TestSecretAccessKey)
	return fake
}

func TestCLI_ObjectLifecycle(t *testing.T) {
	useFakeS3(t, "workspace")

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello from the cli\n"), 0o600))

	out, err := runCLI(t, "", "put", src, "s3://workspace/docs/", "--json")
	require.NoError(t, err)
	var put putRecord
	require.NoError(t, json.Unmarshal([]byte(out), &put))
	assert.Equal(t, "s3://workspace/docs/notes.txt", put.Path)
	assert.Equal(t, int64(19), put.Size)
	assert.Equal(t, 1, put.Parts)

	out, err = runCLI(t, "piped body", "put", "-", "s3://workspace/docs/piped.txt", "--content-type", "text/plain")
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded s3://workspace/docs/piped.txt")

	out, err = runCLI(t, "", "ls", "s3://workspace/docs/", "--json", "--match", "notes.*")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var entry listing.Object
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "notes.txt", entry.Basename)

	out, err = runCLI(t, "", "ls", "s3://workspace/")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/")

	out, err = runCLI(t, "", "cat", "s3://workspace/docs/notes.txt", "--range", "0-4")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = runCLI(t, "", "stat", "s3://workspace/docs/piped.txt", "--json")
	require.NoError(t, err)
	var st statRecord
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(10), st.Size)
	assert.Equal(t, "text/plain", st.ContentType)

	out, err = runCLI(t, "", "stat", "s3://workspace/docs/notes.txt", "s3://workspace/docs/absent.txt", "--json")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
	assert.Contains(t, out, `"path":"s3://workspace/docs/notes.txt","size":19`)
	assert.Contains(t, out, `"path":"s3://workspace/docs/absent.txt","size":0,"error":`)

	out, err = runCLI(t, "", "url", "s3://workspace/docs/notes.txt", "--ttl", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "X-Amz-Expires=600")

	out, err = runCLI(t, "", "rm", "s3://workspace/docs/notes.txt", "s3://workspace/docs/piped.txt", "--json")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, `"deleted":true`))

	_, err = runCLI(t, "", "cat", "s3://workspace/docs/notes.txt")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestCLI_WorkspaceBucket(t *testing.T) {
	useFakeS3(t, "team")
	t.Setenv("NIMBUSACCESS_S3_WORKSPACE_BUCKET", "team")

	_, err := runCLI(t, "data", "put", "-", "inbox/a.bin")
	require.NoError(t, err)

	out, err := runCLI(t, "", "cat", "s3://team/inbox/a.bin")
	require.NoError(t, err)
	assert.Equal(t, "data", out)
}

func TestCLI_Token(t *testing.T) {
	useFakeS3(t, "workspace")

	out, err := runCLI(t, "", "token")
	require.NoError(t, err)
	var tok tokenRecord
	require.NoError(t, json.Unmarshal([]byte(out), &tok))
	assert.Equal(t, 1, tok.Version)
	assert.Equal(t, cloudtest.TestAccessKeyID, tok.AccessKeyID)

	_, err = runCLI(t, "", "token", "--renew")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err), "static credentials cannot be renewed")

	_, err = runCLI(t, "", "token", "--auth", "anonymous")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestCLI_InvalidArguments(t *testing.T) {
	useFakeS3(t, "workspace")

	tests := []struct {
		name string
		args []string
	}{
		{"bad range", []string{"cat", "s3://workspace/a", "--range", "9-1"}},
		{"bad access", []string{"share", "s3://workspace/a/", "world"}},
		{"bad match", []string{"ls", "s3://workspace/", "--match", "[a"}},
		{"ttl too long", []string{"url", "s3://workspace/a", "--ttl", "200h"}},
		{"missing bucket", []string{"stat", "s3://"}},
		{"stdin to prefix", []string{"put", "-", "s3://workspace/dir/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, "", tt.args...)
			require.Error(t, err)
			assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
		})
	}
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "", "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, versionInfo.Version, got["version"])
	assert.NotEmpty(t, got["go"])
}

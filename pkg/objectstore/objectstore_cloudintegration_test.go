//go:build cloudintegration

package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
	"github.com/3leaps/nimbusaccess/test/cloudtest"
)

func newMotoAdapter(t *testing.T) *Adapter {
	t.Helper()
	cloudtest.SkipIfUnavailable(t)

	creds, err := credential.NewCache(credential.Static{Credential: &credential.Credential{
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
	}})
	require.NoError(t, err)

	a, err := New(Config{
		S3: s3provider.Config{
			Endpoint:       cloudtest.Endpoint,
			Region:         cloudtest.DefaultRegion,
			ForcePathStyle: true,
		},
		Transfer: transfer.DefaultConfig(),
	}, creds)
	require.NoError(t, err)
	return a
}

func TestMoto_ShareAndList(t *testing.T) {
	ctx := context.Background()
	a := newMotoAdapter(t)
	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "public/report.csv", []byte("a,b\n"))
	cloudtest.PutObject(t, ctx, bucket, "private/secret.txt", []byte("x"))

	_, err := a.SetPathAccessPolicy(ctx, bucket+"/public/", AccessPublic)
	require.NoError(t, err)

	stored, err := policy.Parse([]byte(cloudtest.BucketPolicy(t, ctx, bucket)))
	require.NoError(t, err)
	assert.Equal(t, []string{"public/"}, policy.AllowedPrefixes(stored.Statements(), bucket))

	root, err := a.List(ctx, bucket)
	require.NoError(t, err)
	require.True(t, root.PolicyAvailable)
	public := map[string]bool{}
	for _, o := range root.Objects {
		public[o.Basename] = o.IsPublic
	}
	assert.Equal(t, map[string]bool{"public": true, "private": false}, public)

	_, err = a.SetPathAccessPolicy(ctx, bucket+"/public/", AccessPrivate)
	require.NoError(t, err)
	assert.Empty(t, cloudtest.BucketPolicy(t, ctx, bucket), "a policy left without statements is deleted")
}

func TestMoto_ExistingPolicyKept(t *testing.T) {
	ctx := context.Background()
	a := newMotoAdapter(t)
	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutBucketPolicy(t, ctx, bucket, `{"Version":"2012-10-17","Statement":[{"Sid":"audit","Effect":"Allow","Principal":{"AWS":["arn:aws:iam::123456789012:root"]},"Action":["s3:GetBucketLocation"],"Resource":["arn:aws:s3:::`+bucket+`"]}]}`)

	doc, err := a.SetPathAccessPolicy(ctx, bucket+"/share/", AccessPublic)
	require.NoError(t, err)
	require.Len(t, doc.Statement, 3)

	doc, err = a.SetPathAccessPolicy(ctx, bucket+"/share/", AccessPrivate)
	require.NoError(t, err)
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, "audit", doc.Statement[0].Sid)
	assert.Contains(t, cloudtest.BucketPolicy(t, ctx, bucket), "GetBucketLocation")
}

func TestMoto_MultipartAndPresign(t *testing.T) {
	ctx := context.Background()
	a := newMotoAdapter(t)
	bucket := cloudtest.CreateBucket(t, ctx)

	body := bytes.Repeat([]byte("0123456789abcdef"), (6<<20)/16)
	res, err := a.Upload(ctx, bucket+"/big.bin", bytes.NewReader(body), UploadOptions{Size: int64(len(body))})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Parts)

	meta, err := a.Stat(ctx, bucket+"/big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), meta.Size)

	u, err := a.GetDownloadURL(ctx, bucket+"/big.bin", 0)
	require.NoError(t, err)
	resp, err := http.Get(u.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, len(body), len(got))
}

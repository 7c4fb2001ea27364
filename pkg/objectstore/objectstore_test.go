package objectstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusaccess/pkg/content"
	"github.com/3leaps/nimbusaccess/pkg/credential"
	"github.com/3leaps/nimbusaccess/pkg/listing"
	"github.com/3leaps/nimbusaccess/pkg/policy"
	"github.com/3leaps/nimbusaccess/pkg/provider"
	s3provider "github.com/3leaps/nimbusaccess/pkg/provider/s3"
	"github.com/3leaps/nimbusaccess/pkg/transfer"
	"github.com/3leaps/nimbusaccess/test/cloudtest"
)

const testBucket = "workspace"

// policyOverlay keeps bucket policies in memory on top of the fake S3 server,
// which does not implement them.
type policyOverlay struct {
	s3provider.API

	mu       sync.Mutex
	policies map[string]string
	puts     int
}

func newPolicyOverlay(api s3provider.API) *policyOverlay {
	return &policyOverlay{API: api, policies: map[string]string{}}
}

func (p *policyOverlay) GetBucketPolicy(_ context.Context, in *s3.GetBucketPolicyInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.policies[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucketPolicy", Message: "The bucket policy does not exist"}
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(body)}, nil
}

func (p *policyOverlay) PutBucketPolicy(_ context.Context, in *s3.PutBucketPolicyInput, _ ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[aws.ToString(in.Bucket)] = aws.ToString(in.Policy)
	p.puts++
	return &s3.PutBucketPolicyOutput{}, nil
}

func (p *policyOverlay) DeleteBucketPolicy(_ context.Context, in *s3.DeleteBucketPolicyInput, _ ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[aws.ToString(in.Bucket)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"}
	}
	delete(p.policies, aws.ToString(in.Bucket))
	return &s3.DeleteBucketPolicyOutput{}, nil
}

func (p *policyOverlay) stored(bucket string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.policies[bucket]
	return body, ok
}

type testEnv struct {
	fake    *cloudtest.FakeS3
	overlay *policyOverlay
	adapter *Adapter
	builds  atomic.Int32
}

func newTestEnv(t *testing.T, creds *credential.Cache) *testEnv {
	t.Helper()

	env := &testEnv{fake: cloudtest.NewFakeS3(t, testBucket)}
	sdk := env.fake.Client(t)
	env.overlay = newPolicyOverlay(sdk)

	builder := func(ctx context.Context, cred *credential.Credential) (*s3provider.Client, error) {
		env.builds.Add(1)
		return &s3provider.Client{
			API:       env.overlay,
			Presigner: s3.NewPresignClient(sdk),
			Anonymous: cred == nil,
		}, nil
	}

	if creds == nil {
		var err error
		creds, err = credential.NewCache(credential.Static{Credential: &credential.Credential{
			AccessKeyID:     cloudtest.TestAccessKeyID,
			SecretAccessKey: cloudtest.TestSecretAccessKey,
		}})
		require.NoError(t, err)
	}

	adapter, err := New(Config{
		S3: s3provider.Config{
			Endpoint:       env.fake.Endpoint,
			Region:         cloudtest.DefaultRegion,
			ForcePathStyle: true,
		},
	}, creds, WithClientBuilder(builder))
	require.NoError(t, err)
	env.adapter = adapter
	return env
}

func TestParseAccess(t *testing.T) {
	tests := []struct {
		in      string
		want    Access
		wantErr bool
	}{
		{in: "public", want: AccessPublic},
		{in: "private", want: AccessPrivate},
		{in: "Public", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAccess(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapter_InvalidPaths(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.adapter.List(ctx, "s3://")
	var pathErr *InvalidPathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "missing bucket", pathErr.Reason)

	_, err = env.adapter.Upload(ctx, "workspace", strings.NewReader("x"), UploadOptions{Size: 1})
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "must name an object", pathErr.Reason)

	_, err = env.adapter.DeleteMany(ctx, []string{"workspace/a", "workspace"})
	require.ErrorAs(t, err, &pathErr)

	assert.Zero(t, env.builds.Load(), "no client is built for rejected paths")
}

func TestAdapter_UploadListReadDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.adapter

	var last transfer.Progress
	res, err := a.Upload(ctx, "s3://workspace/reports/q1.txt", strings.NewReader("hello world"), UploadOptions{
		Size:       11,
		OnProgress: func(p transfer.Progress) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, 100, last.Percent)

	_, err = a.Upload(ctx, "workspace/reports/q2.txt", strings.NewReader("second"), UploadOptions{Size: -1, ContentType: "text/csv"})
	require.NoError(t, err)
	_, err = a.Upload(ctx, "workspace/readme.md", strings.NewReader("# readme"), UploadOptions{Size: 8})
	require.NoError(t, err)

	root, err := a.List(ctx, "workspace")
	require.NoError(t, err)
	assert.True(t, root.PolicyAvailable)
	assert.Nil(t, root.Policy)
	require.Len(t, root.Objects, 2)
	byName := map[string]listing.Object{}
	for _, o := range root.Objects {
		byName[o.Basename] = o
	}
	assert.Equal(t, listing.KindDirectory, byName["reports"].Kind)
	assert.Equal(t, listing.KindFile, byName["readme.md"].Kind)
	assert.False(t, byName["readme.md"].IsPublic)

	reports, err := a.List(ctx, "workspace/reports")
	require.NoError(t, err)
	assert.Equal(t, "reports/", reports.Prefix)
	require.Len(t, reports.Objects, 2)

	meta, err := a.Stat(ctx, "workspace/reports/q1.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), meta.Size)

	ct, err := a.GetContentType(ctx, "workspace/reports/q2.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", ct)

	body, _, err := a.GetContent(ctx, "workspace/reports/q1.txt", &content.Range{Start: 6, End: 10})
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	require.NoError(t, a.DeleteOne(ctx, "workspace/readme.md"))
	_, err = a.Stat(ctx, "workspace/readme.md")
	assert.True(t, provider.IsNotFound(err), "got %v", err)

	results, err := a.DeleteMany(ctx, []string{"workspace/reports/q1.txt", "s3://workspace/reports/q2.txt"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results.Err())

	after, err := a.List(ctx, "workspace/")
	require.NoError(t, err)
	assert.Empty(t, after.Objects)

	assert.Equal(t, int32(1), env.builds.Load(), "one client serves every call for the same credential")
}

func TestAdapter_StatMany(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, key := range []string{"a.txt", "b.txt"} {
		_, err := env.adapter.Upload(ctx, "workspace/"+key, strings.NewReader(key), UploadOptions{Size: 5})
		require.NoError(t, err)
	}

	results, err := env.adapter.StatMany(ctx, []string{"workspace/b.txt", "workspace/missing", "s3://workspace/a.txt"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "b.txt", results[0].Path.Object)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(5), results[0].Meta.Size)

	assert.True(t, provider.IsNotFound(results[1].Err), "got %v", results[1].Err)
	assert.Nil(t, results[1].Meta)

	assert.Equal(t, "a.txt", results[2].Path.Object)
	require.NoError(t, results[2].Err)

	_, err = env.adapter.StatMany(ctx, []string{"workspace/a.txt", "workspace"}, 2)
	var pathErr *InvalidPathError
	require.ErrorAs(t, err, &pathErr)
}

func TestAdapter_GetContentTypeSniffs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	res, err := env.adapter.Upload(ctx, "workspace/img/pixel", bytes.NewReader(png), UploadOptions{Size: int64(len(png))})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)

	ct, err := env.adapter.GetContentType(ctx, "workspace/img/pixel")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
}

func TestAdapter_GetDownloadURL(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	u, err := env.adapter.GetDownloadURL(ctx, "workspace/reports/q1.txt", 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u.URL, env.fake.Endpoint)
	assert.Contains(t, u.URL, "X-Amz-Expires=600")
	assert.Equal(t, "GET", u.Method)
}

func TestAdapter_SetPathAccessPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := env.adapter

	// An unrelated statement must survive every edit.
	existing := `{"Version":"2012-10-17","Id":"keep-me","Statement":[{"Sid":"audit","Effect":"Allow","Principal":{"AWS":["arn:aws:iam::1:root"]},"Action":["s3:GetBucketLocation"],"Resource":["arn:aws:s3:::workspace"]}]}`
	env.overlay.policies[testBucket] = existing

	_, err := a.Upload(ctx, "workspace/shared/data.csv", strings.NewReader("a,b"), UploadOptions{Size: 3})
	require.NoError(t, err)

	doc, err := a.SetPathAccessPolicy(ctx, "workspace/shared/", AccessPublic)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", doc.ID)
	require.Len(t, doc.Statement, 3)
	assert.Equal(t, "audit", doc.Statement[0].Sid)

	listed, err := a.List(ctx, "workspace/shared/")
	require.NoError(t, err)
	require.True(t, listed.PolicyAvailable)
	require.Len(t, listed.Objects, 1)
	assert.True(t, listed.Objects[0].IsPublic)
	assert.Equal(t, "shared/", listed.Objects[0].AllowedPrefix)

	root, err := a.List(ctx, "workspace")
	require.NoError(t, err)
	require.Len(t, root.Objects, 1)
	assert.True(t, root.Objects[0].IsPublic, "the directory itself falls under the grant")

	// Idempotent.
	again, err := a.SetPathAccessPolicy(ctx, "workspace/shared/", AccessPublic)
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	doc, err = a.SetPathAccessPolicy(ctx, "workspace/shared/", AccessPrivate)
	require.NoError(t, err)
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, "audit", doc.Statement[0].Sid)

	stored, ok := env.overlay.stored(testBucket)
	require.True(t, ok)
	parsed, err := policy.Parse([]byte(stored))
	require.NoError(t, err)
	assert.Equal(t, doc, parsed)

	listed, err = a.List(ctx, "workspace/shared/")
	require.NoError(t, err)
	assert.False(t, listed.Objects[0].IsPublic)
}

func TestAdapter_SetPathAccessPolicyFromNoPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	doc, err := env.adapter.SetPathAccessPolicy(ctx, "workspace/obj", AccessPublic)
	require.NoError(t, err)
	require.Len(t, doc.Statement, 2)
	assert.Equal(t, policy.Values{"arn:aws:s3:::workspace/obj*"}, doc.Statement[0].Resource)

	doc, err = env.adapter.SetPathAccessPolicy(ctx, "workspace/obj", AccessPrivate)
	require.NoError(t, err)
	assert.Empty(t, doc.Statement)

	_, ok := env.overlay.stored(testBucket)
	assert.False(t, ok, "an empty statement list deletes the policy")

	_, err = env.adapter.SetPathAccessPolicy(ctx, "workspace/obj", Access("world"))
	assert.Error(t, err)
}

func TestAdapter_SetPathAccessPolicyMalformed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.overlay.policies[testBucket] = "{not json"

	_, err := env.adapter.SetPathAccessPolicy(context.Background(), "workspace/obj", AccessPublic)
	require.ErrorIs(t, err, policy.ErrMalformed)
	assert.Equal(t, 0, env.overlay.puts, "a policy that cannot be read is never overwritten")
}

func TestAdapter_StaticToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cred, err := env.adapter.GetToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, cloudtest.TestAccessKeyID, cred.AccessKeyID)
	assert.False(t, env.adapter.Federated())

	_, err = env.adapter.GetToken(ctx, true)
	assert.True(t, credential.IsConfigurationError(err))

	// Nothing to clear for static credentials.
	assert.NoError(t, env.adapter.InvalidateScope(ctx))
}

func TestAdapter_Anonymous(t *testing.T) {
	adapter, err := New(Config{}, nil)
	require.NoError(t, err)

	cred, err := adapter.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

type countingProvider struct {
	calls atomic.Int32
	now   time.Time
}

func (p *countingProvider) RequestCredential(context.Context) (*credential.Credential, error) {
	n := p.calls.Add(1)
	return &credential.Credential{
		AccessKeyID:     "AK" + string(rune('0'+n)),
		SecretAccessKey: "secret",
		SessionToken:    "session",
		AcquiredAt:      p.now,
		Expiration:      p.now.Add(time.Hour),
	}, nil
}

func TestAdapter_FederatedScope(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prov := &countingProvider{now: now}
	cache, err := credential.NewCache(credential.Federated{
		Provider: prov,
		Tokens:   credential.StaticTokenSource{Token: "id-token"},
		Identity: credential.Identity{DurationSeconds: 3600, EndpointURL: "http://storage"},
	}, credential.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	env := newTestEnv(t, cache)
	ctx := context.Background()
	a := env.adapter
	assert.True(t, a.Federated())

	first, err := a.GetToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "AK1", first.AccessKeyID)

	_, err = a.List(ctx, "workspace")
	require.NoError(t, err)
	assert.Equal(t, int32(1), prov.calls.Load(), "the cached credential serves the listing")
	assert.Equal(t, int32(1), env.builds.Load())

	renewed, err := a.GetToken(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "AK2", renewed.AccessKeyID)

	_, err = a.List(ctx, "workspace")
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.builds.Load(), "a renewed credential gets its own client")

	require.NoError(t, a.InvalidateScope(ctx))

	_, err = a.List(ctx, "workspace")
	require.NoError(t, err)
	assert.Equal(t, int32(3), prov.calls.Load(), "the scope change forces a new exchange")
	assert.Equal(t, int32(3), env.builds.Load())

	require.NoError(t, a.CheckHealth(ctx))
}

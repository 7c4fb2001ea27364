package federation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusaccess/pkg/credential"
)

type fakeSTS struct {
	out   *sts.AssumeRoleWithWebIdentityOutput
	err   error
	input *sts.AssumeRoleWithWebIdentityInput
}

func (f *fakeSTS) AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error) {
	f.input = params
	return f.out, f.err
}

func fullOutput(exp time.Time) *sts.AssumeRoleWithWebIdentityOutput {
	return &sts.AssumeRoleWithWebIdentityOutput{
		Credentials: &types.Credentials{
			AccessKeyId:     aws.String("AKFED"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("session"),
			Expiration:      aws.Time(exp),
		},
	}
}

func jwtExpiring(at time.Time) string {
	enc := base64.RawURLEncoding
	payload := fmt.Sprintf(`{"exp":%d}`, at.Unix())
	return enc.EncodeToString([]byte(`{"alg":"RS256"}`)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"empty", Config{}, "an endpoint or federation URL is required"},
		{"endpoint only", Config{EndpointURL: "https://minio.example"}, ""},
		{"federation only", Config{FederationURL: "https://sts.example"}, ""},
		{"negative duration", Config{EndpointURL: "x", Duration: -time.Second}, "duration must not be negative"},
		{"session name without role", Config{EndpointURL: "x", RoleSessionName: "s"}, "requires a role ARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, credential.IsConfigurationError(err))
		})
	}
}

func TestNew_RequiresTokenSource(t *testing.T) {
	_, err := New(Config{EndpointURL: "https://minio.example"}, nil)
	require.Error(t, err)
	assert.True(t, credential.IsConfigurationError(err))
}

func TestRequestCredential(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeSTS{out: fullOutput(now.Add(time.Hour))}

	p, err := New(Config{EndpointURL: "https://minio.example"}, credential.StaticTokenSource{Token: "opaque"},
		WithAPI(api), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	cred, err := p.RequestCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AKFED", cred.AccessKeyID)
	assert.Equal(t, "secret", cred.SecretAccessKey)
	assert.Equal(t, "session", cred.SessionToken)
	assert.True(t, cred.AcquiredAt.Equal(now))
	assert.True(t, cred.Expiration.Equal(now.Add(time.Hour)))
	require.NoError(t, cred.Validate())

	require.NotNil(t, api.input)
	assert.Equal(t, "opaque", aws.ToString(api.input.WebIdentityToken))
	assert.Equal(t, int32(DefaultDuration/time.Second), aws.ToInt32(api.input.DurationSeconds))
	assert.Nil(t, api.input.RoleArn)
	assert.Nil(t, api.input.RoleSessionName)
}

func TestRequestCredential_RoleAndDurationCap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeSTS{out: fullOutput(now.Add(time.Hour))}

	tokens := credential.StaticTokenSource{Token: jwtExpiring(now.Add(2 * time.Hour))}
	p, err := New(Config{EndpointURL: "https://minio.example", RoleARN: "arn:aws:iam::1:role/data"}, tokens,
		WithAPI(api), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = p.RequestCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(7200), aws.ToInt32(api.input.DurationSeconds))
	assert.Equal(t, "arn:aws:iam::1:role/data", aws.ToString(api.input.RoleArn))
	assert.Equal(t, DefaultRoleSessionName, aws.ToString(api.input.RoleSessionName))
}

func TestRequestCredential_DurationFloor(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeSTS{out: fullOutput(now.Add(time.Hour))}
	tokens := credential.StaticTokenSource{Token: jwtExpiring(now.Add(time.Minute))}

	p, err := New(Config{EndpointURL: "x"}, tokens, WithAPI(api), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = p.RequestCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(MinDuration/time.Second), aws.ToInt32(api.input.DurationSeconds))
}

func TestRequestCredential_MissingFields(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		out     *sts.AssumeRoleWithWebIdentityOutput
		missing []string
	}{
		{"no credentials", &sts.AssumeRoleWithWebIdentityOutput{}, []string{"AccessKeyId", "SecretAccessKey", "SessionToken", "Expiration"}},
		{"no session token", func() *sts.AssumeRoleWithWebIdentityOutput {
			o := fullOutput(exp)
			o.Credentials.SessionToken = nil
			return o
		}(), []string{"SessionToken"}},
		{"no expiration", func() *sts.AssumeRoleWithWebIdentityOutput {
			o := fullOutput(exp)
			o.Credentials.Expiration = nil
			return o
		}(), []string{"Expiration"}},
		{"empty access key", func() *sts.AssumeRoleWithWebIdentityOutput {
			o := fullOutput(exp)
			o.Credentials.AccessKeyId = aws.String("")
			return o
		}(), []string{"AccessKeyId"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{EndpointURL: "https://minio.example"}, credential.StaticTokenSource{Token: "t"},
				WithAPI(&fakeSTS{out: tt.out}))
			require.NoError(t, err)

			_, err = p.RequestCredential(context.Background())
			require.Error(t, err)
			assert.True(t, credential.IsFederationError(err))

			var fedErr *credential.FederationError
			require.True(t, errors.As(err, &fedErr))
			assert.Equal(t, tt.missing, fedErr.Missing)
		})
	}
}

func TestRequestCredential_TransportErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	p, err := New(Config{EndpointURL: "x"}, credential.StaticTokenSource{Token: "t"}, WithAPI(&fakeSTS{err: boom}))
	require.NoError(t, err)

	_, err = p.RequestCredential(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, credential.IsFederationError(err))
}

func TestProvider_Identity(t *testing.T) {
	p, err := New(Config{
		EndpointURL:   "https://minio.example",
		FederationURL: "https://sts.example",
		Duration:      12 * time.Hour,
		RoleARN:       "arn:role",
	}, credential.StaticTokenSource{Token: "t"}, WithAPI(&fakeSTS{}))
	require.NoError(t, err)

	id := p.Identity()
	assert.Equal(t, int64(43200), id.DurationSeconds)
	assert.Equal(t, "https://minio.example", id.EndpointURL)
	assert.Equal(t, "https://sts.example", id.FederationURL)
	assert.Equal(t, "arn:role", id.RoleARN)
	assert.Equal(t, DefaultRoleSessionName, id.RoleSessionName)
}

const stsResponse = `<AssumeRoleWithWebIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>AKHTTP</AccessKeyId>
      <SecretAccessKey>http-secret</SecretAccessKey>
      <SessionToken>http-session</SessionToken>
      <Expiration>2030-01-01T00:00:00Z</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
  <ResponseMetadata>
    <RequestId>req-1</RequestId>
  </ResponseMetadata>
</AssumeRoleWithWebIdentityResponse>`

func TestRequestCredential_OverHTTPWithoutRole(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		assert.Empty(t, r.Header.Get("Authorization"), "web identity exchange is unsigned")
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(stsResponse))
	}))
	defer srv.Close()

	p, err := New(Config{EndpointURL: srv.URL, HTTPClient: srv.Client()}, credential.StaticTokenSource{Token: "id-token"})
	require.NoError(t, err)

	cred, err := p.RequestCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKHTTP", cred.AccessKeyID)
	assert.Equal(t, "http-session", cred.SessionToken)
	assert.Equal(t, 2030, cred.Expiration.Year())

	assert.Equal(t, "AssumeRoleWithWebIdentity", form["Action"])
	assert.Equal(t, "id-token", form["WebIdentityToken"])
	assert.Equal(t, "604800", form["DurationSeconds"])
	assert.NotContains(t, form, "RoleArn")
}

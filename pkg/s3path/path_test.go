package s3path

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input  string
		bucket string
		object string
	}{
		{"s3://bucket/key", "bucket", "key"},
		{"s3://bucket/dir/sub/file.csv", "bucket", "dir/sub/file.csv"},
		{"/bucket/key", "bucket", "key"},
		{"bucket/key", "bucket", "key"},
		{"bucket/dir/", "bucket", "dir/"},
		{"bucket/", "bucket", ""},
		{"bucket", "bucket", ""},
		{"s3://bucket", "bucket", ""},
		{"/bucket/", "bucket", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Parse(tt.input)
			assert.Equal(t, tt.bucket, got.Bucket)
			assert.Equal(t, tt.object, got.Object)
		})
	}
}

func TestPath_Prefix(t *testing.T) {
	assert.Equal(t, "", Parse("bucket").Prefix())
	assert.Equal(t, "dir/", Parse("bucket/dir").Prefix())
	assert.Equal(t, "dir/", Parse("bucket/dir/").Prefix())
}

func TestPath_IsPrefix(t *testing.T) {
	assert.True(t, Parse("bucket").IsPrefix())
	assert.True(t, Parse("bucket/dir/").IsPrefix())
	assert.False(t, Parse("bucket/dir/file.txt").IsPrefix())
}

func TestPath_ARNs(t *testing.T) {
	p := Parse("s3://data/projects/a.csv")
	assert.Equal(t, "arn:aws:s3:::data", p.BucketARN())
	assert.Equal(t, "arn:aws:s3:::data/projects/a.csv", p.ObjectARN())
	assert.Equal(t, "s3://data/projects/a.csv", p.URI())
}

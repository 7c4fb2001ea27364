// Package s3path splits storage paths into bucket and object components.
package s3path

import "strings"

// Scheme is the URI scheme accepted in front of a bucket name.
const Scheme = "s3://"

// Path is a storage location resolved into its bucket and object name.
type Path struct {
	// Bucket is the bucket name.
	Bucket string

	// Object is the object key. It is empty when the path names only a bucket and
	// keeps a trailing "/" when the path names a prefix.
	Object string
}

// Parse resolves a storage path.
//
// Accepted forms:
//   - s3://bucket/key
//   - /bucket/key
//   - bucket/key
//   - bucket/
//   - bucket
//
// Parse never fails; callers guarantee a non-empty bucket segment.
func Parse(p string) Path {
	p = strings.TrimPrefix(p, Scheme)
	p = strings.TrimPrefix(p, "/")

	bucket, object, found := strings.Cut(p, "/")
	if !found {
		return Path{Bucket: bucket}
	}
	return Path{Bucket: bucket, Object: object}
}

// IsPrefix reports whether the path names a prefix rather than an exact key.
func (p Path) IsPrefix() bool {
	return p.Object == "" || strings.HasSuffix(p.Object, "/")
}

// Prefix returns the object name normalized for delimiter listing: empty, or ending in "/".
func (p Path) Prefix() string {
	if p.Object == "" || strings.HasSuffix(p.Object, "/") {
		return p.Object
	}
	return p.Object + "/"
}

// String returns the path in canonical "bucket/key" form.
func (p Path) String() string {
	return p.Bucket + "/" + p.Object
}

// URI returns the path as an s3:// URI.
func (p Path) URI() string {
	return Scheme + p.String()
}

// BucketARN returns the ARN of the bucket.
func (p Path) BucketARN() string {
	return "arn:aws:s3:::" + p.Bucket
}

// ObjectARN returns the ARN of the object name, without wildcard.
func (p Path) ObjectARN() string {
	return p.BucketARN() + "/" + p.Object
}

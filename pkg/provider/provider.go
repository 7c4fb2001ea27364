// Package provider defines the storage-neutral types and error taxonomy shared
// by the object-storage access packages.
//
// Transport failures are never retried here. They are returned wrapped in a
// ProviderError whose Kind classifies the failure and whose Err is the
// original SDK error.
package provider

import "time"

// ProviderType identifies a cloud storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string

	// ContentRange is set by ranged reads, e.g. "bytes 0-4/11". Size is then
	// the length of the part, not of the object.
	ContentRange string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

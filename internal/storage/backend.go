// Package storage holds the byte-plane backends: where object payloads
// actually live. Metadata (ETags, ACLs, listings) is the metadata
// package's problem; a backend only moves bytes.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by backends when the requested object payload
// does not exist. Callers classify with errors.Is.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidKey is returned when a bucket, key, or upload ID carries a
// path component that would escape the backend's namespace.
var ErrInvalidKey = errors.New("storage: invalid path component")

// Backend reads and writes raw object data. Implementations must be safe
// for concurrent use.
type Backend interface {
	// PutObject streams the reader into the backend and returns the byte
	// count actually written plus the quoted MD5-hex ETag. size is a hint
	// (-1 when unknown); the returned count is authoritative.
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error)

	// GetObject opens the payload for reading. The caller closes the
	// ReadCloser. The ETag return may be empty when the backend does not
	// track it; the metadata store is the source of truth then.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error)

	// DeleteObject removes the payload. Deleting a missing object is not
	// an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// CopyObject duplicates a payload inside the backend and returns the
	// destination's ETag.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error)

	// PutPart stores one part of a multipart upload and returns its ETag.
	PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)

	// AssembleParts concatenates the named parts, in the given order, into
	// the final object. Part payloads are released on success. The caller
	// owns the object's ETag: it computes the composite from the part ETags
	// it already holds, so every backend yields the same user-visible value.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error

	// DeleteParts discards every stored part of the upload.
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error

	// CreateBucket provisions whatever backing the bucket needs (a
	// directory, a prefix, nothing at all).
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket tears that backing down. The bucket is known empty by
	// the time this is called.
	DeleteBucket(ctx context.Context, bucket string) error

	// ObjectExists reports whether a payload is present.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// HealthCheck verifies the backend can serve traffic.
	HealthCheck(ctx context.Context) error
}

// PartReaper is implemented by backends that can discard part payloads
// by upload ID alone, without bucket/key context. The startup reaper
// uses it to clean up after expired multipart uploads.
type PartReaper interface {
	ReapUploadParts(uploadID string) error
}

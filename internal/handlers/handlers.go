// Package handlers implements the S3 REST operations on top of a
// metadata store and a storage backend. Every handler follows the same
// shape: resolve the request target, validate, mutate storage before
// metadata on writes, and render either an XML body or a bare status.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/bleepstore/internal/auth"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// Options tunes handler behaviour. Zero values fall back to the
// defaults below.
type Options struct {
	// Region reported by HeadBucket and GetBucketLocation, and the
	// default for CreateBucket requests without a location constraint.
	Region string
	// OwnerID and OwnerDisplayName identify the service account used
	// when a request carries no authenticated identity.
	OwnerID          string
	OwnerDisplayName string
	// MaxObjectSize rejects uploads larger than this many bytes with
	// EntityTooLarge. Zero disables the check.
	MaxObjectSize int64
	// MaxBuckets caps buckets per owner. Zero means the S3 default.
	MaxBuckets int
}

const (
	defaultRegion     = "us-east-1"
	defaultMaxBuckets = 100
	defaultListPage   = 1000

	maxKeyLength = 1024
	minPartSize  = 5 * 1024 * 1024
	maxPartCount = 10000

	// Request bodies that are parsed whole (ACLs, delete manifests,
	// completion manifests) are capped at this size.
	maxParsedBodySize = 1 << 20
)

// S3 dispatches every bucket, object, and multipart operation.
type S3 struct {
	meta          metadata.MetadataStore
	store         storage.Backend
	region        string
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
	maxBuckets    int
}

// New wires an S3 handler set over the given stores.
func New(meta metadata.MetadataStore, store storage.Backend, opts Options) *S3 {
	if opts.Region == "" {
		opts.Region = defaultRegion
	}
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = defaultMaxBuckets
	}
	return &S3{
		meta:          meta,
		store:         store,
		region:        opts.Region,
		ownerID:       opts.OwnerID,
		ownerDisplay:  opts.OwnerDisplayName,
		maxObjectSize: opts.MaxObjectSize,
		maxBuckets:    opts.MaxBuckets,
	}
}

// requestOwner returns the identity stamped by the auth middleware,
// falling back to the configured service owner.
func (h *S3) requestOwner(ctx context.Context) (ownerID, display string) {
	if id, name := auth.OwnerFromContext(ctx); id != "" {
		return id, name
	}
	return h.ownerID, h.ownerDisplay
}

// requireBucket loads the bucket record or writes NoSuchBucket. A nil
// return means the response has already been written.
func (h *S3) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) *metadata.BucketRecord {
	rec, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return nil
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return nil
	}
	return rec
}

// requireUpload loads the multipart upload record or writes NoSuchUpload.
func (h *S3) requireUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) *metadata.MultipartUploadRecord {
	if uploadID == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("uploadId is required"))
		return nil
	}
	rec, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		h.internalError(w, r, "get multipart upload", err)
		return nil
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload)
		return nil
	}
	return rec
}

func (h *S3) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error("request failed",
		"op", op,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	xmlutil.WriteError(w, r, s3err.ErrInternalError)
}

// splitObjectPath separates /{bucket}/{key...} into its two halves.
// The key keeps embedded slashes and is empty for bucket-level paths.
func splitObjectPath(r *http.Request) (bucket, key string) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// queryInt parses a non-negative integer query parameter, returning the
// fallback when the parameter is absent. Malformed or negative values
// are rejected so the caller can answer InvalidArgument.
func queryInt(q map[string][]string, name string, fallback int) (int, *s3err.S3Error) {
	vals := q[name]
	if len(vals) == 0 || vals[0] == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.WithMessage("Argument " + name + " must be a non-negative integer")
	}
	return n, nil
}

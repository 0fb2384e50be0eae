package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// PutObject handles PUT /{bucket}/{key}. The payload lands in storage
// before metadata commits; an orphaned payload after a crash is
// harmless because metadata is the authoritative index.
func (h *S3) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)
	ownerID, display := h.requestOwner(ctx)

	if key == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Object key is required"))
		return
	}
	if len(key) > maxKeyLength {
		xmlutil.WriteError(w, r, s3err.ErrKeyTooLongError)
		return
	}
	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	if r.ContentLength < 0 {
		xmlutil.WriteError(w, r, s3err.ErrMissingContentLength)
		return
	}
	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteError(w, r, s3err.ErrEntityTooLarge)
		return
	}

	expectedMD5, digestErr := parseContentMD5(r.Header)
	if digestErr != nil {
		xmlutil.WriteError(w, r, digestErr)
		return
	}

	// Only the wildcard form of If-None-Match is meaningful on a PUT:
	// create the object only if it does not exist yet.
	if ifNone := r.Header.Get("If-None-Match"); ifNone != "" {
		if ifNone != "*" {
			xmlutil.WriteError(w, r, s3err.ErrNotImplemented)
			return
		}
		exists, err := h.meta.ObjectExists(ctx, bucket, key)
		if err != nil {
			h.internalError(w, r, "check object", err)
			return
		}
		if exists {
			xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
			return
		}
	}

	acl, aclErr := aclFromRequest(r, ownerID, display)
	if aclErr != nil {
		xmlutil.WriteError(w, r, aclErr)
		return
	}
	headers := extractContentHeaders(r.Header)
	meta := userMetadata(r.Header)

	written, etag, err := h.store.PutObject(ctx, bucket, key, r.Body, r.ContentLength)
	if err != nil {
		if errors.Is(err, storage.ErrBackendFull) {
			xmlutil.WriteError(w, r, s3err.ErrServiceUnavailable)
			return
		}
		if errors.Is(err, storage.ErrInvalidKey) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid object key"))
			return
		}
		h.internalError(w, r, "store object", err)
		return
	}
	if written != r.ContentLength {
		h.discardStored(ctx, bucket, key)
		xmlutil.WriteError(w, r, s3err.ErrIncompleteBody)
		return
	}
	if expectedMD5 != nil && !digestMatchesETag(expectedMD5, etag) {
		h.discardStored(ctx, bucket, key)
		xmlutil.WriteError(w, r, s3err.ErrBadDigest)
		return
	}

	record := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               written,
		ETag:               etag,
		ContentType:        headers.ContentType,
		ContentEncoding:    headers.ContentEncoding,
		ContentLanguage:    headers.ContentLanguage,
		ContentDisposition: headers.ContentDisposition,
		CacheControl:       headers.CacheControl,
		Expires:            headers.Expires,
		StorageClass:       "STANDARD",
		ACL:                acl,
		UserMetadata:       meta,
		LastModified:       time.Now().UTC(),
	}
	if err := h.meta.PutObject(ctx, record); err != nil {
		h.internalError(w, r, "commit object metadata", err)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// discardStored removes a payload whose request failed validation after
// the storage write.
func (h *S3) discardStored(ctx context.Context, bucket, key string) {
	if err := h.store.DeleteObject(ctx, bucket, key); err != nil {
		slog.Warn("orphan payload cleanup failed", "bucket", bucket, "key", key, "error", err)
	}
}

// GetObject handles GET /{bucket}/{key}, including Range requests,
// conditional headers, and response-* query overrides.
func (h *S3) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)

	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	obj, err := h.meta.GetObject(ctx, bucket, key)
	if err != nil {
		h.internalError(w, r, "get object metadata", err)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
		return
	}

	if status, skip := checkConditionalHeaders(r, obj.ETag, obj.LastModified); skip {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		if status == http.StatusNotModified {
			w.WriteHeader(status)
			return
		}
		xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
		return
	}

	reader, _, _, err := h.store.GetObject(ctx, bucket, key)
	if err != nil {
		// Metadata says the object exists, so a missing payload is an
		// engine inconsistency, not a NoSuchKey.
		h.internalError(w, r, "open object payload", err)
		return
	}
	defer reader.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, obj.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
			xmlutil.WriteError(w, r, s3err.ErrInvalidRange)
			return
		}
		if err := skipAhead(reader, start); err != nil {
			h.internalError(w, r, "seek object payload", err)
			return
		}

		length := end - start + 1
		writeObjectHeaders(w, obj)
		applyResponseOverrides(w, r)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, length)
		return
	}

	writeObjectHeaders(w, obj)
	applyResponseOverrides(w, r)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

// HeadObject handles HEAD /{bucket}/{key}. Errors are status-only.
func (h *S3) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)

	rec, err := h.meta.GetBucket(ctx, bucket)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	obj, err := h.meta.GetObject(ctx, bucket, key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if status, skip := checkConditionalHeaders(r, obj.ETag, obj.LastModified); skip {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(status)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Idempotent: a missing
// key still yields 204.
func (h *S3) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)

	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	if err := h.meta.DeleteObject(ctx, bucket, key); err != nil {
		h.internalError(w, r, "delete object metadata", err)
		return
	}
	// Metadata is gone; a leftover payload is unreachable and safe.
	if err := h.store.DeleteObject(ctx, bucket, key); err != nil {
		slog.Warn("object payload cleanup failed", "bucket", bucket, "key", key, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete: batch deletion driven by
// an XML manifest of up to 1000 keys.
func (h *S3) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitObjectPath(r)

	if h.requireBucket(w, r, bucket) == nil {
		return
	}

	var manifest xmlutil.DeleteRequest
	if err := decodeXMLBody(r, &manifest); err != nil {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(manifest.Objects) == 0 || len(manifest.Objects) > 1000 {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}

	keys := make([]string, len(manifest.Objects))
	for i, obj := range manifest.Objects {
		keys[i] = obj.Key
	}

	deleted, errs := h.meta.DeleteObjectsMeta(ctx, bucket, keys)
	for _, err := range errs {
		slog.Warn("batch delete entry failed", "bucket", bucket, "error", err)
	}

	succeeded := make(map[string]bool, len(deleted))
	var result xmlutil.DeleteResult
	for _, key := range deleted {
		succeeded[key] = true
		if err := h.store.DeleteObject(ctx, bucket, key); err != nil {
			slog.Warn("object payload cleanup failed", "bucket", bucket, "key", key, "error", err)
		}
		if !manifest.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: key})
		}
	}
	for _, key := range keys {
		if !succeeded[key] {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     key,
				Code:    s3err.ErrInternalError.Code,
				Message: s3err.ErrInternalError.Message,
			})
		}
	}
	xmlutil.Write(w, result)
}

// CopyObject handles PUT /{bucket}/{key} with x-amz-copy-source. The
// metadata directive picks between carrying the source metadata (COPY,
// the default) and taking it from the request (REPLACE).
func (h *S3) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucket, dstKey := splitObjectPath(r)
	ownerID, display := h.requestOwner(ctx)

	if dstKey == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Object key is required"))
		return
	}
	if len(dstKey) > maxKeyLength {
		xmlutil.WriteError(w, r, s3err.ErrKeyTooLongError)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: /bucket/key"))
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	switch directive {
	case "", "COPY":
		directive = "COPY"
	case "REPLACE":
	default:
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Unknown metadata directive"))
		return
	}
	if srcBucket == dstBucket && srcKey == dstKey && directive == "COPY" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidRequest.WithMessage("This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata"))
		return
	}

	if h.requireBucket(w, r, dstBucket) == nil {
		return
	}
	if h.requireBucket(w, r, srcBucket) == nil {
		return
	}

	src, err := h.meta.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		h.internalError(w, r, "get copy source", err)
		return
	}
	if src == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
		return
	}

	if condErr := checkCopySourceConditionals(r, src.ETag, src.LastModified); condErr != nil {
		xmlutil.WriteError(w, r, condErr)
		return
	}

	etag, err := h.store.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
			return
		}
		if errors.Is(err, storage.ErrInvalidKey) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid object key"))
			return
		}
		h.internalError(w, r, "copy object payload", err)
		return
	}

	now := time.Now().UTC()
	dst := &metadata.ObjectRecord{
		Bucket:       dstBucket,
		Key:          dstKey,
		Size:         src.Size,
		ETag:         etag,
		StorageClass: "STANDARD",
		LastModified: now,
	}
	if directive == "REPLACE" {
		acl, aclErr := aclFromRequest(r, ownerID, display)
		if aclErr != nil {
			xmlutil.WriteError(w, r, aclErr)
			return
		}
		headers := extractContentHeaders(r.Header)
		dst.ContentType = headers.ContentType
		dst.ContentEncoding = headers.ContentEncoding
		dst.ContentLanguage = headers.ContentLanguage
		dst.ContentDisposition = headers.ContentDisposition
		dst.CacheControl = headers.CacheControl
		dst.Expires = headers.Expires
		dst.ACL = acl
		dst.UserMetadata = userMetadata(r.Header)
	} else {
		dst.ContentType = src.ContentType
		dst.ContentEncoding = src.ContentEncoding
		dst.ContentLanguage = src.ContentLanguage
		dst.ContentDisposition = src.ContentDisposition
		dst.CacheControl = src.CacheControl
		dst.Expires = src.Expires
		dst.StorageClass = src.StorageClass
		dst.ACL = src.ACL
		dst.UserMetadata = src.UserMetadata
	}

	if err := h.meta.PutObject(ctx, dst); err != nil {
		h.internalError(w, r, "commit copy metadata", err)
		return
	}

	xmlutil.Write(w, xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(now),
		ETag:         etag,
	})
}

// ListObjects handles GET /{bucket}: the v1 listing API.
func (h *S3) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	q := r.URL.Query()

	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	maxKeys, argErr := queryInt(q, "max-keys", defaultListPage)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")
	encodingType := q.Get("encoding-type")

	page, listErr := h.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if listErr != nil {
		h.internalError(w, r, "list objects", listErr)
		return
	}

	result := xmlutil.ListBucketResult{
		Name:         bucket,
		Prefix:       xmlutil.EncodeKey(prefix, encodingType),
		Marker:       xmlutil.EncodeKey(marker, encodingType),
		MaxKeys:      maxKeys,
		Delimiter:    delimiter,
		EncodingType: encodingType,
		IsTruncated:  page.IsTruncated,
	}
	if page.IsTruncated {
		result.NextMarker = xmlutil.EncodeKey(page.NextMarker, encodingType)
	}
	result.Contents = objectsToXML(page.Objects, encodingType)
	result.CommonPrefixes = prefixesToXML(page.CommonPrefixes, encodingType)
	xmlutil.Write(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2.
func (h *S3) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	q := r.URL.Query()

	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	maxKeys, argErr := queryInt(q, "max-keys", defaultListPage)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	token := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	page, listErr := h.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        startAfter,
		ContinuationToken: token,
		MaxKeys:           maxKeys,
	})
	if listErr != nil {
		h.internalError(w, r, "list objects v2", listErr)
		return
	}

	result := xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            xmlutil.EncodeKey(prefix, encodingType),
		StartAfter:        xmlutil.EncodeKey(startAfter, encodingType),
		ContinuationToken: token,
		KeyCount:          len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         delimiter,
		EncodingType:      encodingType,
		IsTruncated:       page.IsTruncated,
	}
	if page.IsTruncated {
		result.NextContinuationToken = page.NextContinuationToken
	}
	result.Contents = objectsToXML(page.Objects, encodingType)
	result.CommonPrefixes = prefixesToXML(page.CommonPrefixes, encodingType)
	xmlutil.Write(w, result)
}

func objectsToXML(objects []metadata.ObjectRecord, encodingType string) []xmlutil.Object {
	var out []xmlutil.Object
	for _, obj := range objects {
		out = append(out, xmlutil.Object{
			Key:          xmlutil.EncodeKey(obj.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: obj.StorageClass,
		})
	}
	return out
}

func prefixesToXML(prefixes []string, encodingType string) []xmlutil.CommonPrefix {
	var out []xmlutil.CommonPrefix
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.EncodeKey(p, encodingType)})
	}
	return out
}

// GetObjectACL handles GET /{bucket}/{key}?acl.
func (h *S3) GetObjectACL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)

	rec := h.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	obj, err := h.meta.GetObject(ctx, bucket, key)
	if err != nil {
		h.internalError(w, r, "get object metadata", err)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
		return
	}

	acp := decodeACL(obj.ACL)
	if acp == nil {
		acp, _ = cannedACL("private", rec.OwnerID, rec.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	xmlutil.Write(w, acp)
}

// PutObjectACL handles PUT /{bucket}/{key}?acl.
func (h *S3) PutObjectACL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)

	rec := h.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	obj, err := h.meta.GetObject(ctx, bucket, key)
	if err != nil {
		h.internalError(w, r, "get object metadata", err)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
		return
	}

	acl, aclErr := h.replacementACL(r, rec.OwnerID, rec.OwnerDisplay)
	if aclErr != nil {
		xmlutil.WriteError(w, r, aclErr)
		return
	}
	if err := h.meta.UpdateObjectAcl(ctx, bucket, key, acl); err != nil {
		h.internalError(w, r, "update object acl", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

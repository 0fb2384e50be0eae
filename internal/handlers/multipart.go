package handlers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads. Content
// headers, user metadata, and the ACL are frozen at initiate time and
// applied to the final object on completion.
func (h *S3) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
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

	acl, aclErr := aclFromRequest(r, ownerID, display)
	if aclErr != nil {
		xmlutil.WriteError(w, r, aclErr)
		return
	}
	headers := extractContentHeaders(r.Header)

	record := &metadata.MultipartUploadRecord{
		Bucket:             bucket,
		Key:                key,
		ContentType:        headers.ContentType,
		ContentEncoding:    headers.ContentEncoding,
		ContentLanguage:    headers.ContentLanguage,
		ContentDisposition: headers.ContentDisposition,
		CacheControl:       headers.CacheControl,
		Expires:            headers.Expires,
		StorageClass:       "STANDARD",
		ACL:                acl,
		UserMetadata:       userMetadata(r.Header),
		OwnerID:            ownerID,
		OwnerDisplay:       display,
		InitiatedAt:        time.Now().UTC(),
	}
	uploadID, err := h.meta.CreateMultipartUpload(ctx, record)
	if err != nil {
		h.internalError(w, r, "create multipart upload", err)
		return
	}

	xmlutil.Write(w, xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
// With an x-amz-copy-source header the part data comes from an existing
// object instead of the request body.
func (h *S3) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	partNumber, argErr := parsePartNumber(q)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}
	if h.requireUpload(w, r, bucket, key, uploadID) == nil {
		return
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		h.uploadPartCopy(w, r, bucket, key, uploadID, partNumber)
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

	// Count the payload while the backend streams it so the recorded
	// part size is exact even without a Content-Length.
	body := &countingReader{r: r.Body}
	etag, err := h.store.PutPart(ctx, bucket, key, uploadID, partNumber, body, r.ContentLength)
	if err != nil {
		if errors.Is(err, storage.ErrBackendFull) {
			xmlutil.WriteError(w, r, s3err.ErrServiceUnavailable)
			return
		}
		if errors.Is(err, storage.ErrInvalidKey) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Invalid object key"))
			return
		}
		h.internalError(w, r, "store part", err)
		return
	}
	if r.ContentLength >= 0 && body.n != r.ContentLength {
		xmlutil.WriteError(w, r, s3err.ErrIncompleteBody)
		return
	}
	if expectedMD5 != nil && !digestMatchesETag(expectedMD5, etag) {
		xmlutil.WriteError(w, r, s3err.ErrBadDigest)
		return
	}

	if err := h.recordPart(ctx, uploadID, partNumber, body.n, etag); err != nil {
		h.internalError(w, r, "commit part metadata", err)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func parsePartNumber(q url.Values) (int, *s3err.S3Error) {
	n, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || n < 1 || n > maxPartCount {
		return 0, s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between 1 and 10000")
	}
	return n, nil
}

func (h *S3) recordPart(ctx context.Context, uploadID string, partNumber int, size int64, etag string) error {
	return h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         size,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	})
}

// uploadPartCopy sources part data from an existing object, optionally
// restricted by x-amz-copy-source-range.
func (h *S3) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string, partNumber int) {
	ctx := r.Context()

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: /bucket/key"))
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

	start, size := int64(0), src.Size
	if copyRange := r.Header.Get("x-amz-copy-source-range"); copyRange != "" {
		var end int64
		var rangeErr error
		start, end, rangeErr = parseRange(copyRange, src.Size)
		if rangeErr != nil {
			xmlutil.WriteError(w, r, s3err.ErrInvalidRange)
			return
		}
		size = end - start + 1
	}

	reader, _, _, err := h.store.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		h.internalError(w, r, "open copy source payload", err)
		return
	}
	defer reader.Close()
	if err := skipAhead(reader, start); err != nil {
		h.internalError(w, r, "seek copy source payload", err)
		return
	}

	etag, err := h.store.PutPart(ctx, bucket, key, uploadID, partNumber, io.LimitReader(reader, size), size)
	if err != nil {
		h.internalError(w, r, "store copied part", err)
		return
	}
	if err := h.recordPart(ctx, uploadID, partNumber, size, etag); err != nil {
		h.internalError(w, r, "commit part metadata", err)
		return
	}

	xmlutil.Write(w, xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(time.Now().UTC()),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=ID. The
// manifest must list parts in ascending order with matching ETags, and
// every part except the last must be at least 5 MiB.
func (h *S3) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)
	uploadID := r.URL.Query().Get("uploadId")

	upload := h.requireUpload(w, r, bucket, key, uploadID)
	if upload == nil {
		return
	}

	manifest, err := parseCompletionManifest(r.Body)
	if err != nil {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(manifest) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	for i, part := range manifest {
		if part.PartNumber < 1 || part.PartNumber > maxPartCount {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPart)
			return
		}
		if i > 0 && part.PartNumber <= manifest[i-1].PartNumber {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	partNumbers := make([]int, len(manifest))
	for i, part := range manifest {
		partNumbers[i] = part.PartNumber
	}
	stored, err := h.meta.GetPartsForCompletion(ctx, uploadID, partNumbers)
	if err != nil {
		h.internalError(w, r, "load part metadata", err)
		return
	}
	byNumber := make(map[int]metadata.PartRecord, len(stored))
	for _, part := range stored {
		byNumber[part.PartNumber] = part
	}

	// The object's ETag is the composite over the part digests:
	// md5 of the concatenated binary part MD5s, suffixed with the part
	// count. Computing it here from the validated records keeps the
	// value identical across every storage backend.
	composite := md5.New()
	var totalSize int64
	for i, part := range manifest {
		rec, found := byNumber[part.PartNumber]
		if !found || strings.Trim(part.ETag, `"`) != strings.Trim(rec.ETag, `"`) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPart)
			return
		}
		if i < len(manifest)-1 && rec.Size < minPartSize {
			xmlutil.WriteError(w, r, s3err.ErrEntityTooSmall)
			return
		}
		digest, err := hex.DecodeString(strings.Trim(rec.ETag, `"`))
		if err != nil {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPart)
			return
		}
		composite.Write(digest)
		totalSize += rec.Size
	}
	if h.maxObjectSize > 0 && totalSize > h.maxObjectSize {
		xmlutil.WriteError(w, r, s3err.ErrEntityTooLarge)
		return
	}
	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(manifest))

	if err := h.store.AssembleParts(ctx, bucket, key, uploadID, partNumbers); err != nil {
		if errors.Is(err, storage.ErrBackendFull) {
			xmlutil.WriteError(w, r, s3err.ErrServiceUnavailable)
			return
		}
		h.internalError(w, r, "assemble parts", err)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               totalSize,
		ETag:               etag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}
	if err := h.meta.CompleteMultipartUpload(ctx, bucket, key, uploadID, obj); err != nil {
		h.internalError(w, r, "commit completed upload", err)
		return
	}

	xmlutil.Write(w, xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     etag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (h *S3) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitObjectPath(r)
	uploadID := r.URL.Query().Get("uploadId")

	if h.requireUpload(w, r, bucket, key, uploadID) == nil {
		return
	}

	// Part payload cleanup is best effort; the startup reaper retries.
	if err := h.store.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		slog.Warn("part payload cleanup failed", "upload_id", uploadID, "error", err)
	}
	if err := h.meta.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if errors.Is(err, metadata.ErrUploadNotFound) {
			xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload)
			return
		}
		h.internalError(w, r, "abort multipart upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *S3) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	q := r.URL.Query()

	if h.requireBucket(w, r, bucket) == nil {
		return
	}
	maxUploads, argErr := queryInt(q, "max-uploads", defaultListPage)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}

	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")
	encodingType := q.Get("encoding-type")

	page, err := h.meta.ListMultipartUploads(r.Context(), bucket, metadata.ListUploadsOptions{
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
	})
	if err != nil {
		h.internalError(w, r, "list multipart uploads", err)
		return
	}

	result := xmlutil.ListMultipartUploadsResult{
		Bucket:             bucket,
		KeyMarker:          keyMarker,
		UploadIDMarker:     uploadIDMarker,
		NextKeyMarker:      page.NextKeyMarker,
		NextUploadIDMarker: page.NextUploadIDMarker,
		MaxUploads:         maxUploads,
		EncodingType:       encodingType,
		IsTruncated:        page.IsTruncated,
	}
	for _, u := range page.Uploads {
		owner := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       xmlutil.EncodeKey(u.Key, encodingType),
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	result.CommonPrefixes = prefixesToXML(page.CommonPrefixes, encodingType)
	xmlutil.Write(w, result)
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID.
func (h *S3) ListParts(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitObjectPath(r)
	q := r.URL.Query()
	uploadID := q.Get("uploadId")

	if h.requireUpload(w, r, bucket, key, uploadID) == nil {
		return
	}
	marker, argErr := queryInt(q, "part-number-marker", 0)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}
	maxParts, argErr := queryInt(q, "max-parts", defaultListPage)
	if argErr != nil {
		xmlutil.WriteError(w, r, argErr)
		return
	}

	page, err := h.meta.ListParts(r.Context(), uploadID, metadata.ListPartsOptions{
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	})
	if err != nil {
		h.internalError(w, r, "list parts", err)
		return
	}

	result := xmlutil.ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     marker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.Write(w, result)
}

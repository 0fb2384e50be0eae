package handlers

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// ListBuckets handles GET / for the authenticated owner.
func (h *S3) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ownerID, display := h.requestOwner(r.Context())

	buckets, err := h.meta.ListBuckets(r.Context(), ownerID)
	if err != nil {
		h.internalError(w, r, "list buckets", err)
		return
	}

	result := xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: ownerID, DisplayName: display},
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}
	xmlutil.Write(w, result)
}

// CreateBucket handles PUT /{bucket}. Re-creating a bucket you already
// own succeeds in us-east-1 and conflicts elsewhere, matching S3.
func (h *S3) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitObjectPath(r)
	ownerID, display := h.requestOwner(ctx)

	if err := validateBucketName(bucket); err != nil {
		xmlutil.WriteError(w, r, s3err.ErrInvalidBucketName.WithMessage(err.Error()))
		return
	}

	acl, aclErr := aclFromRequest(r, ownerID, display)
	if aclErr != nil {
		xmlutil.WriteError(w, r, aclErr)
		return
	}

	region, regionErr := h.createBucketRegion(r)
	if regionErr != nil {
		xmlutil.WriteError(w, r, regionErr)
		return
	}

	existing, err := h.meta.GetBucket(ctx, bucket)
	if err != nil {
		h.internalError(w, r, "get bucket", err)
		return
	}
	if existing != nil {
		h.writeCreateConflict(w, r, existing, ownerID)
		return
	}

	owned, err := h.meta.ListBuckets(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "count buckets", err)
		return
	}
	if len(owned) >= h.maxBuckets {
		xmlutil.WriteError(w, r, s3err.ErrTooManyBuckets)
		return
	}

	record := &metadata.BucketRecord{
		Name:         bucket,
		Region:       region,
		OwnerID:      ownerID,
		OwnerDisplay: display,
		ACL:          acl,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.meta.CreateBucket(ctx, record); err != nil {
		if errors.Is(err, metadata.ErrBucketExists) {
			// Lost a create race; resolve ownership the same way as the
			// pre-check above.
			if existing, getErr := h.meta.GetBucket(ctx, bucket); getErr == nil && existing != nil {
				h.writeCreateConflict(w, r, existing, ownerID)
				return
			}
		}
		h.internalError(w, r, "create bucket", err)
		return
	}

	// Storage provisioning is best effort; local backends create the
	// directory lazily on first write anyway.
	if err := h.store.CreateBucket(ctx, bucket); err != nil {
		slog.Warn("bucket storage provisioning failed", "bucket", bucket, "error", err)
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *S3) writeCreateConflict(w http.ResponseWriter, r *http.Request, existing *metadata.BucketRecord, ownerID string) {
	if existing.OwnerID != ownerID {
		xmlutil.WriteError(w, r, s3err.ErrBucketAlreadyExists)
		return
	}
	if h.region == defaultRegion {
		w.Header().Set("Location", "/"+existing.Name)
		w.WriteHeader(http.StatusOK)
		return
	}
	xmlutil.WriteError(w, r, s3err.ErrBucketAlreadyOwnedByYou)
}

// createBucketRegion reads an optional CreateBucketConfiguration body.
func (h *S3) createBucketRegion(r *http.Request) (string, *s3err.S3Error) {
	if r.ContentLength <= 0 {
		return h.region, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxParsedBodySize))
	if err != nil || len(body) == 0 {
		return h.region, nil
	}
	var config struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	if err := xml.Unmarshal(body, &config); err != nil {
		return "", s3err.ErrMalformedXML
	}
	if config.LocationConstraint == "" {
		return h.region, nil
	}
	return config.LocationConstraint, nil
}

// DeleteBucket handles DELETE /{bucket}. The metadata store enforces
// emptiness, including in-progress multipart uploads.
func (h *S3) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitObjectPath(r)

	if err := h.meta.DeleteBucket(ctx, bucket); err != nil {
		switch {
		case errors.Is(err, metadata.ErrBucketNotFound):
			xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		case errors.Is(err, metadata.ErrBucketNotEmpty):
			xmlutil.WriteError(w, r, s3err.ErrBucketNotEmpty)
		default:
			h.internalError(w, r, "delete bucket", err)
		}
		return
	}

	if err := h.store.DeleteBucket(ctx, bucket); err != nil {
		slog.Warn("bucket storage cleanup failed", "bucket", bucket, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. Status only, no body.
func (h *S3) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)

	rec, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("request failed", "op", "head bucket", "bucket", bucket, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("x-amz-bucket-region", rec.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location. An us-east-1 bucket
// renders an empty constraint, matching the S3 quirk.
func (h *S3) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	rec := h.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	location := rec.Region
	if location == defaultRegion {
		location = ""
	}
	xmlutil.Write(w, xmlutil.LocationConstraint{Location: location})
}

// GetBucketACL handles GET /{bucket}?acl.
func (h *S3) GetBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	rec := h.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}

	acp := decodeACL(rec.ACL)
	if acp == nil {
		acp, _ = cannedACL("private", rec.OwnerID, rec.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	xmlutil.Write(w, acp)
}

// PutBucketACL handles PUT /{bucket}?acl. Accepts a canned ACL header,
// x-amz-grant-* headers, or an AccessControlPolicy body; the forms are
// mutually exclusive.
func (h *S3) PutBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitObjectPath(r)
	rec := h.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}

	acl, aclErr := h.replacementACL(r, rec.OwnerID, rec.OwnerDisplay)
	if aclErr != nil {
		xmlutil.WriteError(w, r, aclErr)
		return
	}
	if err := h.meta.UpdateBucketAcl(r.Context(), bucket, acl); err != nil {
		h.internalError(w, r, "update bucket acl", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// replacementACL resolves a PutBucketACL/PutObjectACL request into the
// ACL document to store.
func (h *S3) replacementACL(r *http.Request, ownerID, display string) ([]byte, *s3err.S3Error) {
	canned := r.Header.Get("x-amz-acl")
	explicit := hasGrantHeaders(r.Header)
	hasBody := r.ContentLength > 0

	exclusive := 0
	for _, set := range []bool{canned != "", explicit, hasBody} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		return nil, s3err.ErrInvalidArgument.WithMessage("Specify the ACL as a canned ACL, grant headers, or a request body, not a combination")
	}

	if hasBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxParsedBodySize))
		if err != nil {
			return nil, s3err.ErrMalformedACLError
		}
		var acp xmlutil.AccessControlPolicy
		if err := xml.Unmarshal(body, &acp); err != nil {
			return nil, s3err.ErrMalformedACLError
		}
		return aclJSON(&acp), nil
	}
	return aclFromRequest(r, ownerID, display)
}

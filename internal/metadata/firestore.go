package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps metadata in four collections named
// {prefix}buckets, {prefix}objects, {prefix}uploads, {prefix}credentials,
// with parts as a subcollection under each upload document. Object keys
// are base64url-encoded in document IDs since Firestore forbids "/".
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

// NewFirestoreStore connects to the given project. collectionPrefix
// defaults to "bleepstore_".
func NewFirestoreStore(ctx context.Context, project, credentialsFile, collectionPrefix string) (*FirestoreStore, error) {
	if project == "" {
		return nil, fmt.Errorf("firestore project is required")
	}
	if collectionPrefix == "" {
		collectionPrefix = "bleepstore_"
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client, prefix: collectionPrefix}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	iter := s.bucketsCol().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) bucketsCol() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + "buckets")
}
func (s *FirestoreStore) objectsCol() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + "objects")
}
func (s *FirestoreStore) uploadsCol() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + "uploads")
}
func (s *FirestoreStore) credentialsCol() *firestore.CollectionRef {
	return s.client.Collection(s.prefix + "credentials")
}

func objectDocID(bucket, key string) string {
	return bucket + "~" + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func partDocID(partNumber int) string {
	return fmt.Sprintf("%05d", partNumber)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// --- document shapes ---

type firestoreBucketDoc struct {
	Name         string    `firestore:"name"`
	Region       string    `firestore:"region"`
	OwnerID      string    `firestore:"owner_id"`
	OwnerDisplay string    `firestore:"owner_display"`
	ACL          string    `firestore:"acl"`
	CreatedAt    time.Time `firestore:"created_at"`
}

type firestoreObjectDoc struct {
	Bucket             string    `firestore:"bucket"`
	Key                string    `firestore:"key"`
	Size               int64     `firestore:"size"`
	ETag               string    `firestore:"etag"`
	ContentType        string    `firestore:"content_type"`
	ContentEncoding    string    `firestore:"content_encoding,omitempty"`
	ContentLanguage    string    `firestore:"content_language,omitempty"`
	ContentDisposition string    `firestore:"content_disposition,omitempty"`
	CacheControl       string    `firestore:"cache_control,omitempty"`
	Expires            string    `firestore:"expires,omitempty"`
	StorageClass       string    `firestore:"storage_class"`
	ACL                string    `firestore:"acl"`
	UserMetadata       string    `firestore:"user_metadata"`
	LastModified       time.Time `firestore:"last_modified"`
}

type firestoreUploadDoc struct {
	UploadID           string    `firestore:"upload_id"`
	Bucket             string    `firestore:"bucket"`
	Key                string    `firestore:"key"`
	ContentType        string    `firestore:"content_type"`
	ContentEncoding    string    `firestore:"content_encoding,omitempty"`
	ContentLanguage    string    `firestore:"content_language,omitempty"`
	ContentDisposition string    `firestore:"content_disposition,omitempty"`
	CacheControl       string    `firestore:"cache_control,omitempty"`
	Expires            string    `firestore:"expires,omitempty"`
	StorageClass       string    `firestore:"storage_class"`
	ACL                string    `firestore:"acl"`
	UserMetadata       string    `firestore:"user_metadata"`
	OwnerID            string    `firestore:"owner_id"`
	OwnerDisplay       string    `firestore:"owner_display"`
	InitiatedAt        time.Time `firestore:"initiated_at"`
}

type firestorePartDoc struct {
	UploadID     string    `firestore:"upload_id"`
	PartNumber   int       `firestore:"part_number"`
	Size         int64     `firestore:"size"`
	ETag         string    `firestore:"etag"`
	LastModified time.Time `firestore:"last_modified"`
}

type firestoreCredentialDoc struct {
	AccessKeyID string    `firestore:"access_key_id"`
	SecretKey   string    `firestore:"secret_key"`
	OwnerID     string    `firestore:"owner_id"`
	DisplayName string    `firestore:"display_name"`
	Active      bool      `firestore:"active"`
	CreatedAt   time.Time `firestore:"created_at"`
}

func (d firestoreObjectDoc) record() ObjectRecord {
	rec := ObjectRecord{
		Bucket:             d.Bucket,
		Key:                d.Key,
		Size:               d.Size,
		ETag:               d.ETag,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		LastModified:       d.LastModified,
	}
	if d.UserMetadata != "" && d.UserMetadata != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(d.UserMetadata), &rec.UserMetadata)
	}
	return rec
}

func (d firestoreUploadDoc) record() MultipartUploadRecord {
	rec := MultipartUploadRecord{
		UploadID:           d.UploadID,
		Bucket:             d.Bucket,
		Key:                d.Key,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		OwnerID:            d.OwnerID,
		OwnerDisplay:       d.OwnerDisplay,
		InitiatedAt:        d.InitiatedAt,
	}
	if d.UserMetadata != "" && d.UserMetadata != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(d.UserMetadata), &rec.UserMetadata)
	}
	return rec
}

// --- buckets ---

func (s *FirestoreStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	doc := firestoreBucketDoc{
		Name:         bucket.Name,
		Region:       bucket.Region,
		OwnerID:      bucket.OwnerID,
		OwnerDisplay: bucket.OwnerDisplay,
		ACL:          rawOrEmptyJSON(bucket.ACL),
		CreatedAt:    bucket.CreatedAt.UTC(),
	}
	_, err := s.bucketsCol().Doc(bucket.Name).Create(ctx, doc)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrBucketExists
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	snap, err := s.bucketsCol().Doc(name).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	var doc firestoreBucketDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding bucket %q: %w", name, err)
	}
	return &BucketRecord{
		Name:         doc.Name,
		Region:       doc.Region,
		OwnerID:      doc.OwnerID,
		OwnerDisplay: doc.OwnerDisplay,
		ACL:          json.RawMessage(doc.ACL),
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	n, err := s.CountObjects(ctx, name)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrBucketNotEmpty
	}
	uploads, err := s.ListMultipartUploads(ctx, name, ListUploadsOptions{MaxUploads: 1})
	if err != nil {
		return err
	}
	if len(uploads.Uploads) > 0 {
		return ErrBucketNotEmpty
	}

	if _, err := s.bucketsCol().Doc(name).Delete(ctx); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

func (s *FirestoreStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	query := s.bucketsCol().Query
	if owner != "" {
		query = query.Where("owner_id", "==", owner)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	var buckets []BucketRecord
	for _, snap := range snaps {
		var doc firestoreBucketDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decoding bucket: %w", err)
		}
		buckets = append(buckets, BucketRecord{
			Name:         doc.Name,
			Region:       doc.Region,
			OwnerID:      doc.OwnerID,
			OwnerDisplay: doc.OwnerDisplay,
			ACL:          json.RawMessage(doc.ACL),
			CreatedAt:    doc.CreatedAt,
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *FirestoreStore) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucketsCol().Doc(name).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return true, nil
}

func (s *FirestoreStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	_, err := s.bucketsCol().Doc(name).Update(ctx, []firestore.Update{
		{Path: "acl", Value: string(acl)},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrBucketNotFound
		}
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	return nil
}

// --- objects ---

func (s *FirestoreStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	rec := normalizeObject(*obj)
	doc := firestoreObjectDoc{
		Bucket:             rec.Bucket,
		Key:                rec.Key,
		Size:               rec.Size,
		ETag:               rec.ETag,
		ContentType:        rec.ContentType,
		ContentEncoding:    rec.ContentEncoding,
		ContentLanguage:    rec.ContentLanguage,
		ContentDisposition: rec.ContentDisposition,
		CacheControl:       rec.CacheControl,
		Expires:            rec.Expires,
		StorageClass:       rec.StorageClass,
		ACL:                rawOrEmptyJSON(rec.ACL),
		UserMetadata:       marshalJSONText(rec.UserMetadata),
		LastModified:       rec.LastModified.UTC(),
	}
	_, err := s.objectsCol().Doc(objectDocID(rec.Bucket, rec.Key)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return nil
}

func (s *FirestoreStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	snap, err := s.objectsCol().Doc(objectDocID(bucket, key)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	var doc firestoreObjectDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding object %s/%s: %w", bucket, key, err)
	}
	rec := doc.record()
	return &rec, nil
}

func (s *FirestoreStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.objectsCol().Doc(objectDocID(bucket, key)).Delete(ctx); err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *FirestoreStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.objectsCol().Doc(objectDocID(bucket, key)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *FirestoreStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	iter := s.objectsCol().Where("bucket", "==", bucket).Documents(ctx)
	defer iter.Stop()

	var n int64
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("counting objects in %q: %w", bucket, err)
		}
		n++
	}
}

func (s *FirestoreStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error

	// BulkWriter flushes in its own batches, so one call covers any count.
	bw := s.client.BulkWriter(ctx)
	for _, key := range keys {
		if _, err := bw.Delete(s.objectsCol().Doc(objectDocID(bucket, key))); err != nil {
			errs = append(errs, fmt.Errorf("queueing delete of %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	bw.End()
	return deleted, errs
}

func (s *FirestoreStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	_, err := s.objectsCol().Doc(objectDocID(bucket, key)).Update(ctx, []firestore.Update{
		{Path: "acl", Value: string(acl)},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("updating object ACL %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *FirestoreStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys < 0 {
		maxKeys = 1000
	}
	start := effectiveStartKey(opts)

	query := s.objectsCol().
		Where("bucket", "==", bucket).
		OrderBy("key", firestore.Asc)
	if opts.Prefix != "" {
		query = query.Where("key", ">=", opts.Prefix).
			Where("key", "<", opts.Prefix+"\uf8ff")
	}
	if start != "" {
		query = query.StartAfter(start)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	pager := newObjectPager(opts.Prefix, opts.Delimiter, maxKeys)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
		}
		var doc firestoreObjectDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decoding object: %w", err)
		}
		if !pager.add(doc.record()) {
			break
		}
	}
	return pager.result(), nil
}

// --- multipart uploads ---

func (s *FirestoreStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		var err error
		if uploadID, err = NewUploadID(); err != nil {
			return "", err
		}
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	storageClass := upload.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}

	doc := firestoreUploadDoc{
		UploadID:           uploadID,
		Bucket:             upload.Bucket,
		Key:                upload.Key,
		ContentType:        contentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       storageClass,
		ACL:                rawOrEmptyJSON(upload.ACL),
		UserMetadata:       marshalJSONText(upload.UserMetadata),
		OwnerID:            upload.OwnerID,
		OwnerDisplay:       upload.OwnerDisplay,
		InitiatedAt:        upload.InitiatedAt.UTC(),
	}
	if _, err := s.uploadsCol().Doc(uploadID).Set(ctx, doc); err != nil {
		return "", fmt.Errorf("creating upload for %s/%s: %w", upload.Bucket, upload.Key, err)
	}
	return uploadID, nil
}

func (s *FirestoreStore) getUpload(ctx context.Context, uploadID string) (*MultipartUploadRecord, error) {
	snap, err := s.uploadsCol().Doc(uploadID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload %q: %w", uploadID, err)
	}
	var doc firestoreUploadDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding upload %q: %w", uploadID, err)
	}
	rec := doc.record()
	return &rec, nil
}

func (s *FirestoreStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	rec, err := s.getUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Bucket != bucket || rec.Key != key {
		return nil, nil
	}
	return rec, nil
}

func (s *FirestoreStore) partsCol(uploadID string) *firestore.CollectionRef {
	return s.uploadsCol().Doc(uploadID).Collection("parts")
}

func (s *FirestoreStore) PutPart(ctx context.Context, part *PartRecord) error {
	doc := firestorePartDoc{
		UploadID:     part.UploadID,
		PartNumber:   part.PartNumber,
		Size:         part.Size,
		ETag:         part.ETag,
		LastModified: part.LastModified.UTC(),
	}
	_, err := s.partsCol(part.UploadID).Doc(partDocID(part.PartNumber)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("putting part %d of upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

// allParts reads every part of an upload in part-number order.
func (s *FirestoreStore) allParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	snaps, err := s.partsCol(uploadID).
		OrderBy("part_number", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	var parts []PartRecord
	for _, snap := range snaps {
		var doc firestorePartDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, err
		}
		parts = append(parts, PartRecord{
			UploadID:     doc.UploadID,
			PartNumber:   doc.PartNumber,
			Size:         doc.Size,
			ETag:         doc.ETag,
			LastModified: doc.LastModified,
		})
	}
	return parts, nil
}

func (s *FirestoreStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	all, err := s.allParts(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %q: %w", uploadID, err)
	}

	var parts []PartRecord
	for _, p := range all {
		if p.PartNumber > opts.PartNumberMarker {
			parts = append(parts, p)
		}
	}

	res := &ListPartsResult{}
	if len(parts) > maxParts {
		parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	res.Parts = parts
	return res, nil
}

func (s *FirestoreStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	all, err := s.allParts(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("fetching parts of %q: %w", uploadID, err)
	}
	if partNumbers == nil {
		return all, nil
	}

	wanted := make(map[int]struct{}, len(partNumbers))
	for _, pn := range partNumbers {
		wanted[pn] = struct{}{}
	}
	var parts []PartRecord
	for _, p := range all {
		if _, ok := wanted[p.PartNumber]; ok {
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// dropUpload deletes an upload document and its parts subcollection.
func (s *FirestoreStore) dropUpload(ctx context.Context, uploadID string) error {
	parts, err := s.allParts(ctx, uploadID)
	if err != nil {
		return err
	}
	bw := s.client.BulkWriter(ctx)
	for _, p := range parts {
		if _, err := bw.Delete(s.partsCol(uploadID).Doc(partDocID(p.PartNumber))); err != nil {
			return err
		}
	}
	if _, err := bw.Delete(s.uploadsCol().Doc(uploadID)); err != nil {
		return err
	}
	bw.End()
	return nil
}

func (s *FirestoreStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	upload, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if upload == nil {
		return ErrUploadNotFound
	}
	if err := s.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("committing final object %s/%s: %w", bucket, key, err)
	}
	if err := s.dropUpload(ctx, uploadID); err != nil {
		return fmt.Errorf("removing upload %q: %w", uploadID, err)
	}
	return nil
}

func (s *FirestoreStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	upload, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if upload == nil {
		return ErrUploadNotFound
	}
	if err := s.dropUpload(ctx, uploadID); err != nil {
		return fmt.Errorf("removing upload %q: %w", uploadID, err)
	}
	return nil
}

func (s *FirestoreStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := s.uploadsCol().Where("bucket", "==", bucket)
	if opts.Prefix != "" {
		query = query.Where("key", ">=", opts.Prefix).
			Where("key", "<", opts.Prefix+"\uf8ff")
	}
	query = query.OrderBy("key", firestore.Asc).OrderBy("upload_id", firestore.Asc)
	if opts.KeyMarker != "" {
		query = query.StartAfter(opts.KeyMarker, opts.UploadIDMarker)
	}
	query = query.Limit(maxUploads + 1)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing uploads in %q: %w", bucket, err)
	}

	var uploads []MultipartUploadRecord
	for _, snap := range snaps {
		var doc firestoreUploadDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decoding upload: %w", err)
		}
		uploads = append(uploads, doc.record())
	}

	res := &ListUploadsResult{}
	if len(uploads) > maxUploads {
		uploads = uploads[:maxUploads]
		res.IsTruncated = true
		last := uploads[len(uploads)-1]
		res.NextKeyMarker = last.Key
		res.NextUploadIDMarker = last.UploadID
	}
	res.Uploads = uploads
	return res, nil
}

// --- credentials ---

func (s *FirestoreStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	snap, err := s.credentialsCol().Doc(accessKeyID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	var doc firestoreCredentialDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", accessKeyID, err)
	}
	return &CredentialRecord{
		AccessKeyID: doc.AccessKeyID,
		SecretKey:   doc.SecretKey,
		OwnerID:     doc.OwnerID,
		DisplayName: doc.DisplayName,
		Active:      doc.Active,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func (s *FirestoreStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	doc := firestoreCredentialDoc{
		AccessKeyID: cred.AccessKeyID,
		SecretKey:   cred.SecretKey,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
		Active:      cred.Active,
		CreatedAt:   cred.CreatedAt.UTC(),
	}
	if _, err := s.credentialsCol().Doc(cred.AccessKeyID).Set(ctx, doc); err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

func (s *FirestoreStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC()

	snaps, err := s.uploadsCol().
		Where("initiated_at", "<", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}

	var expired []ExpiredUpload
	for _, snap := range snaps {
		var doc firestoreUploadDoc
		if err := snap.DataTo(&doc); err != nil {
			return expired, fmt.Errorf("decoding expired upload: %w", err)
		}
		if err := s.dropUpload(ctx, doc.UploadID); err != nil {
			return expired, fmt.Errorf("removing expired upload %q: %w", doc.UploadID, err)
		}
		expired = append(expired, ExpiredUpload{
			UploadID:   doc.UploadID,
			BucketName: doc.Bucket,
			ObjectKey:  doc.Key,
		})
	}
	return expired, nil
}

var _ MetadataStore = (*FirestoreStore)(nil)
var _ UploadReaper = (*FirestoreStore)(nil)

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// CosmosStore keeps all metadata in one Cosmos DB container, partitioned
// by entity kind ("bucket", "object", "upload", "credential"). Parts live
// in the upload partition under part_{uploadID}_{n:05d} IDs.
type CosmosStore struct {
	container *azcosmos.ContainerClient
}

// NewCosmosStore connects to the given account. The key comes from
// AZURE_COSMOS_KEY; without one the default Azure credential chain is
// used. containerPrefix defaults to "bleepstore_"; the container is
// {prefix}metadata.
func NewCosmosStore(ctx context.Context, endpoint, database, containerPrefix string) (*CosmosStore, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if database == "" {
		return nil, fmt.Errorf("cosmos database is required")
	}
	if containerPrefix == "" {
		containerPrefix = "bleepstore_"
	}

	var client *azcosmos.Client
	if key := os.Getenv("AZURE_COSMOS_KEY"); key != "" {
		cred, err := azcosmos.NewKeyCredential(key)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos client: %w", err)
		}
	}

	db, err := client.NewDatabase(database)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", database, err)
	}
	container, err := db.NewContainer(containerPrefix + "metadata")
	if err != nil {
		return nil, fmt.Errorf("opening container: %w", err)
	}
	return &CosmosStore{container: container}, nil
}

func (s *CosmosStore) Close() error { return nil }

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.container.Read(ctx, nil)
	return err
}

// Partition keys, one per entity kind.
var (
	pkBuckets     = azcosmos.NewPartitionKeyString("bucket")
	pkObjects     = azcosmos.NewPartitionKeyString("object")
	pkUploads     = azcosmos.NewPartitionKeyString("upload")
	pkCredentials = azcosmos.NewPartitionKeyString("credential")
)

func cosmosBucketID(name string) string        { return "bucket_" + name }
func cosmosObjectID(bucket, key string) string { return "object_" + bucket + "_" + key }
func cosmosUploadID(uploadID string) string    { return "upload_" + uploadID }
func cosmosCredentialID(ak string) string      { return "cred_" + ak }
func cosmosPartID(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}

// cosmosStatus extracts the HTTP status from a Cosmos error, 0 if none.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// --- document shapes ---

type cosmosBucketDoc struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	Region       string `json:"region"`
	OwnerID      string `json:"owner_id"`
	OwnerDisplay string `json:"owner_display"`
	ACL          string `json:"acl"`
	CreatedAt    string `json:"created_at"`
}

type cosmosObjectDoc struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	Bucket             string `json:"bucket"`
	Key                string `json:"key"`
	Size               int64  `json:"size"`
	ETag               string `json:"etag"`
	ContentType        string `json:"content_type"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class"`
	ACL                string `json:"acl"`
	UserMetadata       string `json:"user_metadata"`
	LastModified       string `json:"last_modified"`
	DeleteMarker       bool   `json:"delete_marker,omitempty"`
}

type cosmosUploadDoc struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	UploadID           string `json:"upload_id"`
	Bucket             string `json:"bucket"`
	Key                string `json:"key"`
	ContentType        string `json:"content_type"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class"`
	ACL                string `json:"acl"`
	UserMetadata       string `json:"user_metadata"`
	OwnerID            string `json:"owner_id"`
	OwnerDisplay       string `json:"owner_display"`
	InitiatedAt        string `json:"initiated_at"`
}

type cosmosPartDoc struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	UploadID     string `json:"upload_id"`
	PartNumber   int    `json:"part_number"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

type cosmosCredentialDoc struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

func (d cosmosObjectDoc) record() ObjectRecord {
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
		LastModified:       parseTime(d.LastModified),
		DeleteMarker:       d.DeleteMarker,
	}
	if d.UserMetadata != "" && d.UserMetadata != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(d.UserMetadata), &rec.UserMetadata)
	}
	return rec
}

func (d cosmosUploadDoc) record() MultipartUploadRecord {
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
		InitiatedAt:        parseTime(d.InitiatedAt),
	}
	if d.UserMetadata != "" && d.UserMetadata != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(d.UserMetadata), &rec.UserMetadata)
	}
	return rec
}

// --- buckets ---

func (s *CosmosStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	doc := cosmosBucketDoc{
		ID:           cosmosBucketID(bucket.Name),
		Kind:         "bucket",
		Name:         bucket.Name,
		Region:       bucket.Region,
		OwnerID:      bucket.OwnerID,
		OwnerDisplay: bucket.OwnerDisplay,
		ACL:          rawOrEmptyJSON(bucket.ACL),
		CreatedAt:    fmtTime(bucket.CreatedAt),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.CreateItem(ctx, pkBuckets, data, nil); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return ErrBucketExists
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	resp, err := s.container.ReadItem(ctx, pkBuckets, cosmosBucketID(name), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	var doc cosmosBucketDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, fmt.Errorf("decoding bucket %q: %w", name, err)
	}
	return &BucketRecord{
		Name:         doc.Name,
		Region:       doc.Region,
		OwnerID:      doc.OwnerID,
		OwnerDisplay: doc.OwnerDisplay,
		ACL:          json.RawMessage(doc.ACL),
		CreatedAt:    parseTime(doc.CreatedAt),
	}, nil
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
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

	if _, err := s.container.DeleteItem(ctx, pkBuckets, cosmosBucketID(name), nil); err != nil {
		if cosmosStatus(err) != http.StatusNotFound {
			return fmt.Errorf("deleting bucket %q: %w", name, err)
		}
	}
	return nil
}

func (s *CosmosStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	query := "SELECT * FROM c WHERE c.kind = 'bucket'"
	var params []azcosmos.QueryParameter
	if owner != "" {
		query += " AND c.owner_id = @owner"
		params = append(params, azcosmos.QueryParameter{Name: "@owner", Value: owner})
	}

	var buckets []BucketRecord
	pager := s.container.NewQueryItemsPager(query, pkBuckets, &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing buckets: %w", err)
		}
		for _, raw := range resp.Items {
			var doc cosmosBucketDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("decoding bucket: %w", err)
			}
			buckets = append(buckets, BucketRecord{
				Name:         doc.Name,
				Region:       doc.Region,
				OwnerID:      doc.OwnerID,
				OwnerDisplay: doc.OwnerDisplay,
				ACL:          json.RawMessage(doc.ACL),
				CreatedAt:    parseTime(doc.CreatedAt),
			})
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *CosmosStore) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := s.container.ReadItem(ctx, pkBuckets, cosmosBucketID(name), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return true, nil
}

func (s *CosmosStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	resp, err := s.container.ReadItem(ctx, pkBuckets, cosmosBucketID(name), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return ErrBucketNotFound
		}
		return fmt.Errorf("reading bucket %q: %w", name, err)
	}
	var doc cosmosBucketDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return fmt.Errorf("decoding bucket %q: %w", name, err)
	}
	doc.ACL = string(acl)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.ReplaceItem(ctx, pkBuckets, doc.ID, data, nil); err != nil {
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	return nil
}

// --- objects ---

func (s *CosmosStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	rec := normalizeObject(*obj)
	doc := cosmosObjectDoc{
		ID:                 cosmosObjectID(rec.Bucket, rec.Key),
		Kind:               "object",
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
		LastModified:       fmtTime(rec.LastModified),
		DeleteMarker:       rec.DeleteMarker,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkObjects, data, nil); err != nil {
		return fmt.Errorf("putting object %s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return nil
}

func (s *CosmosStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	resp, err := s.container.ReadItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	var doc cosmosObjectDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, fmt.Errorf("decoding object %s/%s: %w", bucket, key, err)
	}
	rec := doc.record()
	return &rec, nil
}

func (s *CosmosStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.container.DeleteItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil)
	if err != nil && cosmosStatus(err) != http.StatusNotFound {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *CosmosStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.container.ReadItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *CosmosStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	query := "SELECT VALUE COUNT(1) FROM c WHERE c.kind = 'object' AND c.bucket = @bucket"
	pager := s.container.NewQueryItemsPager(query, pkObjects, &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}},
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting objects in %q: %w", bucket, err)
		}
		for _, raw := range resp.Items {
			var n int64
			if err := json.Unmarshal(raw, &n); err != nil {
				return 0, err
			}
			return n, nil
		}
	}
	return 0, nil
}

func (s *CosmosStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error
	for _, key := range keys {
		_, err := s.container.DeleteItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil)
		if err != nil && cosmosStatus(err) != http.StatusNotFound {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *CosmosStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	resp, err := s.container.ReadItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return ErrObjectNotFound
		}
		return fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}
	var doc cosmosObjectDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return fmt.Errorf("decoding object %s/%s: %w", bucket, key, err)
	}
	doc.ACL = string(acl)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.ReplaceItem(ctx, pkObjects, doc.ID, data, nil); err != nil {
		return fmt.Errorf("updating object ACL %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *CosmosStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys < 0 {
		maxKeys = 1000
	}
	start := effectiveStartKey(opts)

	query := "SELECT * FROM c WHERE c.kind = 'object' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	if start != "" {
		query += " AND c.key > @start"
		params = append(params, azcosmos.QueryParameter{Name: "@start", Value: start})
	}
	query += " ORDER BY c.key"

	pager := s.container.NewQueryItemsPager(query, pkObjects, &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	page := newObjectPager(opts.Prefix, opts.Delimiter, maxKeys)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
		}
		for _, raw := range resp.Items {
			var doc cosmosObjectDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("decoding object: %w", err)
			}
			if !page.add(doc.record()) {
				return page.result(), nil
			}
		}
	}
	return page.result(), nil
}

// --- multipart uploads ---

func (s *CosmosStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
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

	doc := cosmosUploadDoc{
		ID:                 cosmosUploadID(uploadID),
		Kind:               "upload",
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
		InitiatedAt:        fmtTime(upload.InitiatedAt),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	if _, err := s.container.CreateItem(ctx, pkUploads, data, nil); err != nil {
		return "", fmt.Errorf("creating upload for %s/%s: %w", upload.Bucket, upload.Key, err)
	}
	return uploadID, nil
}

func (s *CosmosStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	resp, err := s.container.ReadItem(ctx, pkUploads, cosmosUploadID(uploadID), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting upload %q: %w", uploadID, err)
	}
	var doc cosmosUploadDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, fmt.Errorf("decoding upload %q: %w", uploadID, err)
	}
	rec := doc.record()
	if rec.Bucket != bucket || rec.Key != key {
		return nil, nil
	}
	return &rec, nil
}

func (s *CosmosStore) PutPart(ctx context.Context, part *PartRecord) error {
	doc := cosmosPartDoc{
		ID:           cosmosPartID(part.UploadID, part.PartNumber),
		Kind:         "part",
		UploadID:     part.UploadID,
		PartNumber:   part.PartNumber,
		Size:         part.Size,
		ETag:         part.ETag,
		LastModified: fmtTime(part.LastModified),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkUploads, data, nil); err != nil {
		return fmt.Errorf("putting part %d of upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

// uploadParts reads every part of one upload, ordered by part number.
func (s *CosmosStore) uploadParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	query := "SELECT * FROM c WHERE c.kind = 'part' AND c.upload_id = @upload_id ORDER BY c.id"
	pager := s.container.NewQueryItemsPager(query, pkUploads, &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}},
	})

	var parts []PartRecord
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var doc cosmosPartDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			parts = append(parts, PartRecord{
				UploadID:     doc.UploadID,
				PartNumber:   doc.PartNumber,
				Size:         doc.Size,
				ETag:         doc.ETag,
				LastModified: parseTime(doc.LastModified),
			})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *CosmosStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	all, err := s.uploadParts(ctx, uploadID)
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

func (s *CosmosStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	all, err := s.uploadParts(ctx, uploadID)
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

func (s *CosmosStore) dropUpload(ctx context.Context, uploadID string) error {
	parts, err := s.uploadParts(ctx, uploadID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		_, err := s.container.DeleteItem(ctx, pkUploads, cosmosPartID(uploadID, p.PartNumber), nil)
		if err != nil && cosmosStatus(err) != http.StatusNotFound {
			return err
		}
	}
	_, err = s.container.DeleteItem(ctx, pkUploads, cosmosUploadID(uploadID), nil)
	if err != nil && cosmosStatus(err) != http.StatusNotFound {
		return err
	}
	return nil
}

func (s *CosmosStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
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

func (s *CosmosStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
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

func (s *CosmosStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := "SELECT * FROM c WHERE c.kind = 'upload' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	if opts.KeyMarker != "" {
		query += " AND (c.key > @key_marker OR (c.key = @key_marker AND c.upload_id > @upload_marker))"
		params = append(params,
			azcosmos.QueryParameter{Name: "@key_marker", Value: opts.KeyMarker},
			azcosmos.QueryParameter{Name: "@upload_marker", Value: opts.UploadIDMarker},
		)
	}
	query += " ORDER BY c.key, c.upload_id"

	pager := s.container.NewQueryItemsPager(query, pkUploads, &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	var uploads []MultipartUploadRecord
	for pager.More() && len(uploads) <= maxUploads {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing uploads in %q: %w", bucket, err)
		}
		for _, raw := range resp.Items {
			var doc cosmosUploadDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("decoding upload: %w", err)
			}
			uploads = append(uploads, doc.record())
			if len(uploads) > maxUploads {
				break
			}
		}
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

func (s *CosmosStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	resp, err := s.container.ReadItem(ctx, pkCredentials, cosmosCredentialID(accessKeyID), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	var doc cosmosCredentialDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", accessKeyID, err)
	}
	return &CredentialRecord{
		AccessKeyID: doc.AccessKeyID,
		SecretKey:   doc.SecretKey,
		OwnerID:     doc.OwnerID,
		DisplayName: doc.DisplayName,
		Active:      doc.Active,
		CreatedAt:   parseTime(doc.CreatedAt),
	}, nil
}

func (s *CosmosStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	doc := cosmosCredentialDoc{
		ID:          cosmosCredentialID(cred.AccessKeyID),
		Kind:        "credential",
		AccessKeyID: cred.AccessKeyID,
		SecretKey:   cred.SecretKey,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
		Active:      cred.Active,
		CreatedAt:   fmtTime(cred.CreatedAt),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkCredentials, data, nil); err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

func (s *CosmosStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := fmtTime(time.Now().Add(-time.Duration(ttlSeconds) * time.Second))

	query := "SELECT * FROM c WHERE c.kind = 'upload' AND c.initiated_at < @cutoff"
	pager := s.container.NewQueryItemsPager(query, pkUploads, &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{{Name: "@cutoff", Value: cutoff}},
	})

	var expired []ExpiredUpload
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return expired, fmt.Errorf("querying expired uploads: %w", err)
		}
		for _, raw := range resp.Items {
			var doc cosmosUploadDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
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
	}
	return expired, nil
}

var _ MetadataStore = (*CosmosStore)(nil)
var _ UploadReaper = (*CosmosStore)(nil)

// Package metadata defines the record types and the MetadataStore interface
// that every metadata engine (SQLite, JSONL, memory, DynamoDB, Firestore,
// Cosmos) implements. The metadata store is the source of truth; storage
// backends hold only opaque bytes.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// BucketRecord describes one bucket. Primary key: Name.
type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage
	CreatedAt    time.Time
}

// ObjectRecord describes one object. Primary key: (Bucket, Key).
type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	// UserMetadata holds x-amz-meta-* headers, keys lowercased with the
	// prefix retained.
	UserMetadata map[string]string
	LastModified time.Time
	DeleteMarker bool
}

// MultipartUploadRecord captures everything chosen at initiate time.
// Primary key: UploadID.
type MultipartUploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

// PartRecord describes one uploaded part. Primary key: (UploadID, PartNumber).
type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord is one SigV4 credential pair.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ListObjectsOptions carries the pagination knobs shared by ListObjects v1
// and v2. ContinuationToken wins over StartAfter, which wins over Marker.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsResult is an ordered page of objects and delimiter groups.
type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

// ListUploadsOptions paginates in-progress multipart uploads.
type ListUploadsOptions struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploadsResult is one page of uploads ordered by (key, upload_id).
type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions paginates parts of one upload.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult is one page of parts ordered by part number.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// MetadataStore is the single interface handlers consume. Lookups return
// (nil, nil) when the record does not exist; errors are reserved for
// engine failures.
type MetadataStore interface {
	io.Closer

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Buckets.
	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error

	// Objects.
	PutObject(ctx context.Context, obj *ObjectRecord) error
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	CountObjects(ctx context.Context, bucket string) (int64, error)
	DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) (deleted []string, errs []error)
	UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	// Multipart uploads.
	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error)
	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error)
	PutPart(ctx context.Context, part *PartRecord) error
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)
	GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)
	// CompleteMultipartUpload atomically upserts obj, deletes the upload's
	// parts, and deletes the upload record. No partial state is observable.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)

	// Credentials.
	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}

// ExpiredUpload identifies a reaped multipart upload so the caller can
// also purge its storage parts.
type ExpiredUpload struct {
	UploadID   string
	BucketName string
	ObjectKey  string
}

// UploadReaper is implemented by stores that can garbage-collect
// multipart uploads older than a TTL.
type UploadReaper interface {
	ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error)
}

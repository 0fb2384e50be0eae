package metadata

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an ephemeral MetadataStore backed by maps. Intended for
// tests and throwaway deployments; everything vanishes on exit.
type MemoryStore struct {
	mu          sync.RWMutex
	buckets     map[string]BucketRecord
	objects     map[string]map[string]ObjectRecord // bucket -> key -> record
	uploads     map[string]MultipartUploadRecord   // uploadID -> record
	parts       map[string]map[int]PartRecord      // uploadID -> partNumber -> record
	credentials map[string]CredentialRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:     make(map[string]BucketRecord),
		objects:     make(map[string]map[string]ObjectRecord),
		uploads:     make(map[string]MultipartUploadRecord),
		parts:       make(map[string]map[int]PartRecord),
		credentials: make(map[string]CredentialRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket.Name]; ok {
		return ErrBucketExists
	}
	rec := *bucket
	if rec.ACL == nil {
		rec.ACL = json.RawMessage("{}")
	}
	s.buckets[bucket.Name] = rec
	return nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
		return ErrBucketNotFound
	}
	if len(s.objects[name]) > 0 {
		return ErrBucketNotEmpty
	}
	for _, up := range s.uploads {
		if up.Bucket == name {
			return ErrBucketNotEmpty
		}
	}
	delete(s.buckets, name)
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BucketRecord
	for _, rec := range s.buckets {
		if rec.OwnerID == owner {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.buckets[name]
	if !ok {
		return ErrBucketNotFound
	}
	rec.ACL = acl
	s.buckets[name] = rec
	return nil
}

func (s *MemoryStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[obj.Bucket]; !ok {
		return ErrBucketNotFound
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]ObjectRecord)
	}
	s.objects[obj.Bucket][obj.Key] = normalizeObject(*obj)
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.objects[bucket][key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[bucket], key)
	return nil
}

func (s *MemoryStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[bucket][key]
	return ok, nil
}

func (s *MemoryStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.objects[bucket])), nil
}

func (s *MemoryStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		delete(s.objects[bucket], key)
		deleted = append(deleted, key)
	}
	return deleted, nil
}

func (s *MemoryStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.objects[bucket][key]
	if !ok {
		return ErrObjectNotFound
	}
	rec.ACL = acl
	s.objects[bucket][key] = rec
	return nil
}

func (s *MemoryStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys < 0 {
		maxKeys = 1000
	}
	start := effectiveStartKey(opts)

	var matched []ObjectRecord
	for _, rec := range s.objects[bucket] {
		if opts.Prefix != "" && !strings.HasPrefix(rec.Key, opts.Prefix) {
			continue
		}
		if start != "" && rec.Key <= start {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	pager := newObjectPager(opts.Prefix, opts.Delimiter, maxKeys)
	for _, rec := range matched {
		if !pager.add(rec) {
			break
		}
	}
	return pager.result(), nil
}

func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		var err error
		if uploadID, err = NewUploadID(); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[upload.Bucket]; !ok {
		return "", ErrBucketNotFound
	}
	rec := *upload
	rec.UploadID = uploadID
	if rec.ContentType == "" {
		rec.ContentType = "application/octet-stream"
	}
	if rec.StorageClass == "" {
		rec.StorageClass = "STANDARD"
	}
	if rec.ACL == nil {
		rec.ACL = json.RawMessage("{}")
	}
	if rec.UserMetadata == nil {
		rec.UserMetadata = map[string]string{}
	}
	s.uploads[uploadID] = rec
	return uploadID, nil
}

func (s *MemoryStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.uploads[uploadID]
	if !ok || rec.Bucket != bucket || rec.Key != key {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[part.UploadID]; !ok {
		return ErrUploadNotFound
	}
	if s.parts[part.UploadID] == nil {
		s.parts[part.UploadID] = make(map[int]PartRecord)
	}
	s.parts[part.UploadID][part.PartNumber] = *part
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	var parts []PartRecord
	for pn, rec := range s.parts[uploadID] {
		if pn > opts.PartNumberMarker {
			parts = append(parts, rec)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	res := &ListPartsResult{}
	if len(parts) > maxParts {
		parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	res.Parts = parts
	return res, nil
}

func (s *MemoryStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PartRecord
	for _, pn := range partNumbers {
		if rec, ok := s.parts[uploadID][pn]; ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return ErrUploadNotFound
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]ObjectRecord)
	}
	s.objects[obj.Bucket][obj.Key] = normalizeObject(*obj)
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.uploads[uploadID]
	if !ok || rec.Bucket != bucket || rec.Key != key {
		return ErrUploadNotFound
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var matched []MultipartUploadRecord
	for _, rec := range s.uploads {
		if rec.Bucket != bucket {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(rec.Key, opts.Prefix) {
			continue
		}
		if !afterUploadMarker(rec.Key, rec.UploadID, opts.KeyMarker, opts.UploadIDMarker) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Key != matched[j].Key {
			return matched[i].Key < matched[j].Key
		}
		return matched[i].UploadID < matched[j].UploadID
	})

	res := &ListUploadsResult{}
	if len(matched) > maxUploads {
		matched = matched[:maxUploads]
		res.IsTruncated = true
		last := matched[len(matched)-1]
		res.NextKeyMarker = last.Key
		res.NextUploadIDMarker = last.UploadID
	}
	res.Uploads = matched
	return res, nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.credentials[accessKeyID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.AccessKeyID] = *cred
	return nil
}

// ReapExpiredUploads removes uploads initiated before now-ttl and reports
// what was removed so storage parts can be purged too.
func (s *MemoryStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var reaped []ExpiredUpload
	for id, rec := range s.uploads {
		if rec.InitiatedAt.Before(cutoff) {
			reaped = append(reaped, ExpiredUpload{UploadID: id, BucketName: rec.Bucket, ObjectKey: rec.Key})
			delete(s.parts, id)
			delete(s.uploads, id)
		}
	}
	return reaped, nil
}

// normalizeObject fills the defaults every engine guarantees on read.
func normalizeObject(obj ObjectRecord) ObjectRecord {
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	if obj.StorageClass == "" {
		obj.StorageClass = "STANDARD"
	}
	if obj.ACL == nil {
		obj.ACL = json.RawMessage("{}")
	}
	if obj.UserMetadata == nil {
		obj.UserMetadata = map[string]string{}
	}
	return obj
}

var _ MetadataStore = (*MemoryStore)(nil)
var _ UploadReaper = (*MemoryStore)(nil)

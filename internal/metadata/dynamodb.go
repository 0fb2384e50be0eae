package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoBatchSize is the BatchWriteItem limit.
const dynamoBatchSize = 25

// DynamoDBStore keeps all metadata in one table using a composite
// (pk, sk) key:
//
//	BUCKET#{name}         / #META
//	OBJECT#{bucket}#{key} / #META
//	UPLOAD#{uploadID}     / #META and PART#{n:05d}
//	CRED#{accessKeyID}    / #META
type DynamoDBStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoDBStore builds a client from the default AWS credential chain.
// tablePrefix defaults to "bleepstore_"; the table is {prefix}metadata.
func NewDynamoDBStore(ctx context.Context, region, endpointURL, tablePrefix string) (*DynamoDBStore, error) {
	if region == "" {
		region = "us-east-1"
	}
	if tablePrefix == "" {
		tablePrefix = "bleepstore_"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if endpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(endpointURL)
	}

	return &DynamoDBStore{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  tablePrefix + "metadata",
	}, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	return err
}

// --- key layout ---

const metaSK = "#META"

func bucketPK(name string) string         { return "BUCKET#" + name }
func objectPK(bucket, key string) string  { return "OBJECT#" + bucket + "#" + key }
func uploadPK(uploadID string) string     { return "UPLOAD#" + uploadID }
func credentialPK(accessKey string) string { return "CRED#" + accessKey }
func partSK(partNumber int) string        { return fmt.Sprintf("PART#%05d", partNumber) }

// --- item helpers ---

type ddbItem map[string]ddbtypes.AttributeValue

func newItem(pk, sk, kind string) ddbItem {
	return ddbItem{
		"pk":   &ddbtypes.AttributeValueMemberS{Value: pk},
		"sk":   &ddbtypes.AttributeValueMemberS{Value: sk},
		"kind": &ddbtypes.AttributeValueMemberS{Value: kind},
	}
}

func (it ddbItem) setS(name, value string) { it[name] = &ddbtypes.AttributeValueMemberS{Value: value} }
func (it ddbItem) setN(name string, value int64) {
	it[name] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(value, 10)}
}
func (it ddbItem) setBool(name string, value bool) {
	it[name] = &ddbtypes.AttributeValueMemberBOOL{Value: value}
}

// setOptS writes the attribute only when value is non-empty, keeping
// items sparse.
func (it ddbItem) setOptS(name, value string) {
	if value != "" {
		it.setS(name, value)
	}
}

func (it ddbItem) getS(name string) string {
	if v, ok := it[name].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (it ddbItem) getN(name string) int64 {
	if v, ok := it[name].(*ddbtypes.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (it ddbItem) getBool(name string) bool {
	if v, ok := it[name].(*ddbtypes.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func (it ddbItem) getTime(name string) time.Time {
	t, _ := time.Parse(sqliteTimeFormat, it.getS(name))
	return t
}

func keyItem(pk, sk string) ddbItem {
	return ddbItem{
		"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
	}
}

// --- buckets ---

func (s *DynamoDBStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	item := newItem(bucketPK(bucket.Name), metaSK, "bucket")
	item.setS("name", bucket.Name)
	item.setS("region", bucket.Region)
	item.setS("owner_id", bucket.OwnerID)
	item.setS("owner_display", bucket.OwnerDisplay)
	item.setS("acl", rawOrEmptyJSON(bucket.ACL))
	item.setS("created_at", fmtTime(bucket.CreatedAt))

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrBucketExists
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	item, err := s.getItem(ctx, bucketPK(name), metaSK)
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	if item == nil {
		return nil, nil
	}
	return itemBucket(item), nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
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

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyItem(bucketPK(name), metaSK),
	})
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

func (s *DynamoDBStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	var buckets []BucketRecord
	err := s.scanPrefix(ctx, "BUCKET#", func(item ddbItem) {
		b := itemBucket(item)
		if owner == "" || b.OwnerID == owner {
			buckets = append(buckets, *b)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *DynamoDBStore) BucketExists(ctx context.Context, name string) (bool, error) {
	item, err := s.getItem(ctx, bucketPK(name), metaSK)
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return item != nil, nil
}

func (s *DynamoDBStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	err := s.updateACL(ctx, bucketPK(name), string(acl))
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrBucketNotFound
		}
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	return nil
}

// --- objects ---

func (s *DynamoDBStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	rec := normalizeObject(*obj)

	item := newItem(objectPK(rec.Bucket, rec.Key), metaSK, "object")
	item.setS("bucket", rec.Bucket)
	item.setS("key", rec.Key)
	item.setN("size", rec.Size)
	item.setS("etag", rec.ETag)
	item.setS("content_type", rec.ContentType)
	item.setS("storage_class", rec.StorageClass)
	item.setS("acl", rawOrEmptyJSON(rec.ACL))
	item.setS("user_metadata", marshalJSONText(rec.UserMetadata))
	item.setS("last_modified", fmtTime(rec.LastModified))
	item.setOptS("content_encoding", rec.ContentEncoding)
	item.setOptS("content_language", rec.ContentLanguage)
	item.setOptS("content_disposition", rec.ContentDisposition)
	item.setOptS("cache_control", rec.CacheControl)
	item.setOptS("expires", rec.Expires)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return nil
}

func (s *DynamoDBStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	item, err := s.getItem(ctx, objectPK(bucket, key), metaSK)
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	if item == nil {
		return nil, nil
	}
	return itemObject(item), nil
}

func (s *DynamoDBStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyItem(objectPK(bucket, key), metaSK),
	})
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *DynamoDBStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	item, err := s.getItem(ctx, objectPK(bucket, key), metaSK)
	if err != nil {
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return item != nil, nil
}

func (s *DynamoDBStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.scanPrefix(ctx, "OBJECT#"+bucket+"#", func(ddbItem) { n++ })
	if err != nil {
		return 0, fmt.Errorf("counting objects in %q: %w", bucket, err)
	}
	return n, nil
}

func (s *DynamoDBStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error

	for start := 0; start < len(keys); start += dynamoBatchSize {
		end := start + dynamoBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		requests := make([]ddbtypes.WriteRequest, 0, len(batch))
		for _, key := range batch {
			requests = append(requests, ddbtypes.WriteRequest{
				DeleteRequest: &ddbtypes.DeleteRequest{
					Key: keyItem(objectPK(bucket, key), metaSK),
				},
			})
		}

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{s.table: requests},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting batch of %d keys: %w", len(batch), err))
			continue
		}
		deleted = append(deleted, batch...)
	}
	return deleted, errs
}

func (s *DynamoDBStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	err := s.updateACL(ctx, objectPK(bucket, key), string(acl))
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("updating object ACL %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *DynamoDBStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys < 0 {
		maxKeys = 1000
	}
	start := effectiveStartKey(opts)

	// DynamoDB scans return items in hash order, so collect matches and
	// sort before paging.
	var matched []ObjectRecord
	scanPrefix := "OBJECT#" + bucket + "#" + opts.Prefix
	err := s.scanPrefix(ctx, scanPrefix, func(item ddbItem) {
		rec := itemObject(item)
		if rec.Bucket != bucket {
			return
		}
		if opts.Prefix != "" && !strings.HasPrefix(rec.Key, opts.Prefix) {
			return
		}
		if start != "" && rec.Key <= start {
			return
		}
		matched = append(matched, *rec)
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
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

// --- multipart uploads ---

func (s *DynamoDBStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
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

	item := newItem(uploadPK(uploadID), metaSK, "upload")
	item.setS("upload_id", uploadID)
	item.setS("bucket", upload.Bucket)
	item.setS("key", upload.Key)
	item.setS("content_type", contentType)
	item.setS("storage_class", storageClass)
	item.setS("acl", rawOrEmptyJSON(upload.ACL))
	item.setS("user_metadata", marshalJSONText(upload.UserMetadata))
	item.setS("owner_id", upload.OwnerID)
	item.setS("owner_display", upload.OwnerDisplay)
	item.setS("initiated_at", fmtTime(upload.InitiatedAt))
	item.setOptS("content_encoding", upload.ContentEncoding)
	item.setOptS("content_language", upload.ContentLanguage)
	item.setOptS("content_disposition", upload.ContentDisposition)
	item.setOptS("cache_control", upload.CacheControl)
	item.setOptS("expires", upload.Expires)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return "", fmt.Errorf("creating upload for %s/%s: %w", upload.Bucket, upload.Key, err)
	}
	return uploadID, nil
}

func (s *DynamoDBStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	item, err := s.getItem(ctx, uploadPK(uploadID), metaSK)
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", uploadID, err)
	}
	if item == nil {
		return nil, nil
	}
	rec := itemUpload(item)
	if rec.Bucket != bucket || rec.Key != key {
		return nil, nil
	}
	return rec, nil
}

func (s *DynamoDBStore) PutPart(ctx context.Context, part *PartRecord) error {
	item := newItem(uploadPK(part.UploadID), partSK(part.PartNumber), "part")
	item.setS("upload_id", part.UploadID)
	item.setN("part_number", int64(part.PartNumber))
	item.setN("size", part.Size)
	item.setS("etag", part.ETag)
	item.setS("last_modified", fmtTime(part.LastModified))

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting part %d of upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

// queryParts pulls every PART# item of one upload, sorted by part number.
func (s *DynamoDBStore) queryParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	var parts []PartRecord
	var startKey map[string]ddbtypes.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :part)"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk":   &ddbtypes.AttributeValueMemberS{Value: uploadPK(uploadID)},
				":part": &ddbtypes.AttributeValueMemberS{Value: "PART#"},
			},
		}
		if startKey != nil {
			input.ExclusiveStartKey = startKey
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			item := ddbItem(raw)
			parts = append(parts, PartRecord{
				UploadID:     item.getS("upload_id"),
				PartNumber:   int(item.getN("part_number")),
				Size:         item.getN("size"),
				ETag:         item.getS("etag"),
				LastModified: item.getTime("last_modified"),
			})
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *DynamoDBStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	all, err := s.queryParts(ctx, uploadID)
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

func (s *DynamoDBStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	all, err := s.queryParts(ctx, uploadID)
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

// deleteUploadState removes an upload's parts and its metadata item.
func (s *DynamoDBStore) deleteUploadState(ctx context.Context, uploadID string) error {
	parts, err := s.queryParts(ctx, uploadID)
	if err != nil {
		return err
	}
	for start := 0; start < len(parts); start += dynamoBatchSize {
		end := start + dynamoBatchSize
		if end > len(parts) {
			end = len(parts)
		}
		requests := make([]ddbtypes.WriteRequest, 0, end-start)
		for _, p := range parts[start:end] {
			requests = append(requests, ddbtypes.WriteRequest{
				DeleteRequest: &ddbtypes.DeleteRequest{
					Key: keyItem(uploadPK(uploadID), partSK(p.PartNumber)),
				},
			})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{s.table: requests},
		}); err != nil {
			return err
		}
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyItem(uploadPK(uploadID), metaSK),
	})
	return err
}

func (s *DynamoDBStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
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
	if err := s.deleteUploadState(ctx, uploadID); err != nil {
		return fmt.Errorf("removing upload %q: %w", uploadID, err)
	}
	return nil
}

func (s *DynamoDBStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	upload, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if upload == nil {
		return ErrUploadNotFound
	}
	if err := s.deleteUploadState(ctx, uploadID); err != nil {
		return fmt.Errorf("removing upload %q: %w", uploadID, err)
	}
	return nil
}

func (s *DynamoDBStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var uploads []MultipartUploadRecord
	err := s.scanPrefix(ctx, "UPLOAD#", func(item ddbItem) {
		rec := itemUpload(item)
		if rec.Bucket != bucket {
			return
		}
		if opts.Prefix != "" && !strings.HasPrefix(rec.Key, opts.Prefix) {
			return
		}
		if !afterUploadMarker(rec.Key, rec.UploadID, opts.KeyMarker, opts.UploadIDMarker) {
			return
		}
		uploads = append(uploads, *rec)
	})
	if err != nil {
		return nil, fmt.Errorf("listing uploads in %q: %w", bucket, err)
	}

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})

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

func (s *DynamoDBStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	item, err := s.getItem(ctx, credentialPK(accessKeyID), metaSK)
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	if item == nil {
		return nil, nil
	}
	return &CredentialRecord{
		AccessKeyID: item.getS("access_key_id"),
		SecretKey:   item.getS("secret_key"),
		OwnerID:     item.getS("owner_id"),
		DisplayName: item.getS("display_name"),
		Active:      item.getBool("active"),
		CreatedAt:   item.getTime("created_at"),
	}, nil
}

func (s *DynamoDBStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	item := newItem(credentialPK(cred.AccessKeyID), metaSK, "credential")
	item.setS("access_key_id", cred.AccessKeyID)
	item.setS("secret_key", cred.SecretKey)
	item.setS("owner_id", cred.OwnerID)
	item.setS("display_name", cred.DisplayName)
	item.setBool("active", cred.Active)
	item.setS("created_at", fmtTime(cred.CreatedAt))

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

func (s *DynamoDBStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := fmtTime(time.Now().Add(-time.Duration(ttlSeconds) * time.Second))

	var expired []ExpiredUpload
	err := s.scanPrefix(ctx, "UPLOAD#", func(item ddbItem) {
		if item.getS("initiated_at") >= cutoff {
			return
		}
		expired = append(expired, ExpiredUpload{
			UploadID:   item.getS("upload_id"),
			BucketName: item.getS("bucket"),
			ObjectKey:  item.getS("key"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scanning expired uploads: %w", err)
	}

	for _, e := range expired {
		if err := s.deleteUploadState(ctx, e.UploadID); err != nil {
			return expired, fmt.Errorf("removing expired upload %q: %w", e.UploadID, err)
		}
	}
	return expired, nil
}

// --- shared plumbing ---

func (s *DynamoDBStore) getItem(ctx context.Context, pk, sk string) (ddbItem, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyItem(pk, sk),
	})
	if err != nil {
		return nil, err
	}
	if resp.Item == nil {
		return nil, nil
	}
	return ddbItem(resp.Item), nil
}

// scanPrefix walks every #META item whose pk begins with prefix.
func (s *DynamoDBStore) scanPrefix(ctx context.Context, prefix string, visit func(ddbItem)) error {
	var startKey map[string]ddbtypes.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("begins_with(pk, :prefix) AND sk = :meta"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":prefix": &ddbtypes.AttributeValueMemberS{Value: prefix},
				":meta":   &ddbtypes.AttributeValueMemberS{Value: metaSK},
			},
		}
		if startKey != nil {
			input.ExclusiveStartKey = startKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}
		for _, raw := range resp.Items {
			visit(ddbItem(raw))
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) updateACL(ctx context.Context, pk, acl string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyItem(pk, metaSK),
		UpdateExpression:    aws.String("SET acl = :acl"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":acl": &ddbtypes.AttributeValueMemberS{Value: acl},
		},
	})
	return err
}

func rawOrEmptyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func itemBucket(item ddbItem) *BucketRecord {
	return &BucketRecord{
		Name:         item.getS("name"),
		Region:       item.getS("region"),
		OwnerID:      item.getS("owner_id"),
		OwnerDisplay: item.getS("owner_display"),
		ACL:          json.RawMessage(item.getS("acl")),
		CreatedAt:    item.getTime("created_at"),
	}
}

func itemObject(item ddbItem) *ObjectRecord {
	rec := &ObjectRecord{
		Bucket:             item.getS("bucket"),
		Key:                item.getS("key"),
		Size:               item.getN("size"),
		ETag:               item.getS("etag"),
		ContentType:        item.getS("content_type"),
		ContentEncoding:    item.getS("content_encoding"),
		ContentLanguage:    item.getS("content_language"),
		ContentDisposition: item.getS("content_disposition"),
		CacheControl:       item.getS("cache_control"),
		Expires:            item.getS("expires"),
		StorageClass:       item.getS("storage_class"),
		ACL:                json.RawMessage(item.getS("acl")),
		LastModified:       item.getTime("last_modified"),
	}
	if meta := item.getS("user_metadata"); meta != "" && meta != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(meta), &rec.UserMetadata)
	}
	return rec
}

func itemUpload(item ddbItem) *MultipartUploadRecord {
	rec := &MultipartUploadRecord{
		UploadID:           item.getS("upload_id"),
		Bucket:             item.getS("bucket"),
		Key:                item.getS("key"),
		ContentType:        item.getS("content_type"),
		ContentEncoding:    item.getS("content_encoding"),
		ContentLanguage:    item.getS("content_language"),
		ContentDisposition: item.getS("content_disposition"),
		CacheControl:       item.getS("cache_control"),
		Expires:            item.getS("expires"),
		StorageClass:       item.getS("storage_class"),
		ACL:                json.RawMessage(item.getS("acl")),
		OwnerID:            item.getS("owner_id"),
		OwnerDisplay:       item.getS("owner_display"),
		InitiatedAt:        item.getTime("initiated_at"),
	}
	if meta := item.getS("user_metadata"); meta != "" && meta != "{}" {
		rec.UserMetadata = make(map[string]string)
		json.Unmarshal([]byte(meta), &rec.UserMetadata)
	}
	return rec
}

var _ MetadataStore = (*DynamoDBStore)(nil)
var _ UploadReaper = (*DynamoDBStore)(nil)

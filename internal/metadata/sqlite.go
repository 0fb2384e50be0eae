package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteTimeFormat is the ISO 8601 millisecond form all timestamps are
// stored in; it sorts lexicographically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000Z"

// deleteChunkSize keeps batched deletes under SQLite's bound-parameter
// limit (999), leaving one slot for the bucket parameter.
const deleteChunkSize = 998

const schemaVersion = 1

// SQLiteStore is the production MetadataStore. One database file, WAL
// journaling, cascade deletes from buckets down to parts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies pragmas and schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS buckets (
		name          TEXT PRIMARY KEY,
		region        TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		owner_display TEXT NOT NULL,
		acl           TEXT,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objects (
		bucket              TEXT NOT NULL,
		key                 TEXT NOT NULL,
		size                INTEGER NOT NULL,
		etag                TEXT NOT NULL,
		content_type        TEXT,
		content_encoding    TEXT,
		content_language    TEXT,
		content_disposition TEXT,
		cache_control       TEXT,
		expires             TEXT,
		storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
		acl                 TEXT,
		user_metadata       TEXT,
		last_modified       TEXT NOT NULL,
		delete_marker       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, key),
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS multipart_uploads (
		upload_id           TEXT PRIMARY KEY,
		bucket              TEXT NOT NULL,
		key                 TEXT NOT NULL,
		content_type        TEXT,
		content_encoding    TEXT,
		content_language    TEXT,
		content_disposition TEXT,
		cache_control       TEXT,
		expires             TEXT,
		storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
		acl                 TEXT,
		user_metadata       TEXT,
		owner_id            TEXT NOT NULL,
		owner_display       TEXT NOT NULL,
		initiated_at        TEXT NOT NULL,
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS multipart_parts (
		upload_id     TEXT NOT NULL,
		part_number   INTEGER NOT NULL,
		size          INTEGER NOT NULL,
		etag          TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		PRIMARY KEY (upload_id, part_number),
		FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS credentials (
		access_key_id TEXT PRIMARY KEY,
		secret_key    TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		display_name  TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key
		ON multipart_uploads(bucket, key, upload_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for the offline serialization tool.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// likeEscape escapes LIKE wildcards so a prefix can be matched literally
// with ESCAPE '\'.
func likeEscape(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func marshalJSONText(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// --- buckets ---

func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, region, owner_id, owner_display, acl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		bucket.Name, bucket.Region, bucket.OwnerID, bucket.OwnerDisplay,
		string(bucket.ACL), fmtTime(bucket.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return ErrBucketExists
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE name = ?`, name)

	var rec BucketRecord
	var acl, createdAt string
	err := row.Scan(&rec.Name, &rec.Region, &rec.OwnerID, &rec.OwnerDisplay, &acl, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	rec.ACL = json.RawMessage(acl)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	var objects int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ?`, name).Scan(&objects); err != nil {
		return fmt.Errorf("counting objects in %q: %w", name, err)
	}
	var uploads int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM multipart_uploads WHERE bucket = ?`, name).Scan(&uploads); err != nil {
		return fmt.Errorf("counting uploads in %q: %w", name, err)
	}
	if objects > 0 || uploads > 0 {
		return ErrBucketNotEmpty
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE owner_id = ? ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		var rec BucketRecord
		var acl, createdAt string
		if err := rows.Scan(&rec.Name, &rec.Region, &rec.OwnerID, &rec.OwnerDisplay, &acl, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		rec.ACL = json.RawMessage(acl)
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET acl = ? WHERE name = ?`, string(acl), name)
	if err != nil {
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketNotFound
	}
	return nil
}

// --- objects ---

const objectColumns = `bucket, key, size, etag, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, last_modified, delete_marker`

func (s *SQLiteStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Bucket, obj.Key, obj.Size, obj.ETag, obj.ContentType,
		obj.ContentEncoding, obj.ContentLanguage, obj.ContentDisposition,
		obj.CacheControl, obj.Expires, obj.StorageClass, string(obj.ACL),
		marshalJSONText(obj.UserMetadata), fmtTime(obj.LastModified),
		boolToInt(obj.DeleteMarker),
	)
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

func scanObject(scan func(dest ...any) error) (*ObjectRecord, error) {
	var rec ObjectRecord
	var acl, userMeta, lastModified sql.NullString
	var contentType, contentEncoding, contentLanguage, contentDisposition sql.NullString
	var cacheControl, expires sql.NullString
	var deleteMarker int
	err := scan(
		&rec.Bucket, &rec.Key, &rec.Size, &rec.ETag, &contentType,
		&contentEncoding, &contentLanguage, &contentDisposition,
		&cacheControl, &expires, &rec.StorageClass, &acl, &userMeta,
		&lastModified, &deleteMarker,
	)
	if err != nil {
		return nil, err
	}
	rec.ContentType = contentType.String
	rec.ContentEncoding = contentEncoding.String
	rec.ContentLanguage = contentLanguage.String
	rec.ContentDisposition = contentDisposition.String
	rec.CacheControl = cacheControl.String
	rec.Expires = expires.String
	rec.ACL = json.RawMessage(acl.String)
	if userMeta.String != "" {
		json.Unmarshal([]byte(userMeta.String), &rec.UserMetadata)
	}
	rec.LastModified = parseTime(lastModified.String)
	rec.DeleteMarker = deleteMarker != 0
	return &rec, nil
}

func (s *SQLiteStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key)
	rec, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting objects in %q: %w", bucket, err)
	}
	return n, nil
}

// DeleteObjectsMeta deletes keys in chunks so one batch never exceeds
// SQLite's bound-parameter limit.
func (s *SQLiteStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error

	for start := 0; start < len(keys); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, bucket)
		for _, k := range chunk {
			args = append(args, k)
		}

		_, err := s.db.ExecContext(ctx,
			`DELETE FROM objects WHERE bucket = ? AND key IN (`+placeholders+`)`, args...)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting batch of %d keys: %w", len(chunk), err))
			continue
		}
		deleted = append(deleted, chunk...)
	}
	return deleted, errs
}

func (s *SQLiteStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET acl = ? WHERE bucket = ? AND key = ?`,
		string(acl), bucket, key)
	if err != nil {
		return fmt.Errorf("updating object ACL %s/%s: %w", bucket, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// ListObjects streams key-ordered rows through the shared pager, which
// applies delimiter grouping and the max-keys cap. The scan stops as soon
// as the page is full, so deep buckets don't get read end to end.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys < 0 {
		maxKeys = 1000
	}
	start := effectiveStartKey(opts)

	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(opts.Prefix)+"%")
	}
	if start != "" {
		query += ` AND key > ?`
		args = append(args, start)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	pager := newObjectPager(opts.Prefix, opts.Delimiter, maxKeys)
	for rows.Next() {
		rec, err := scanObject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		if !pager.add(*rec) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects in %q: %w", bucket, err)
	}
	return pager.result(), nil
}

// --- multipart uploads ---

const uploadColumns = `upload_id, bucket, key, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, owner_id, owner_display, initiated_at`

func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		var err error
		if uploadID, err = NewUploadID(); err != nil {
			return "", err
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uploadID, upload.Bucket, upload.Key, upload.ContentType,
		upload.ContentEncoding, upload.ContentLanguage, upload.ContentDisposition,
		upload.CacheControl, upload.Expires, upload.StorageClass,
		string(upload.ACL), marshalJSONText(upload.UserMetadata),
		upload.OwnerID, upload.OwnerDisplay, fmtTime(upload.InitiatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return "", ErrBucketNotFound
		}
		return "", fmt.Errorf("creating upload for %s/%s: %w", upload.Bucket, upload.Key, err)
	}
	return uploadID, nil
}

func scanUpload(scan func(dest ...any) error) (*MultipartUploadRecord, error) {
	var rec MultipartUploadRecord
	var contentType, contentEncoding, contentLanguage, contentDisposition sql.NullString
	var cacheControl, expires, acl, userMeta sql.NullString
	var initiatedAt string
	err := scan(
		&rec.UploadID, &rec.Bucket, &rec.Key, &contentType, &contentEncoding,
		&contentLanguage, &contentDisposition, &cacheControl, &expires,
		&rec.StorageClass, &acl, &userMeta, &rec.OwnerID, &rec.OwnerDisplay,
		&initiatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ContentType = contentType.String
	rec.ContentEncoding = contentEncoding.String
	rec.ContentLanguage = contentLanguage.String
	rec.ContentDisposition = contentDisposition.String
	rec.CacheControl = cacheControl.String
	rec.Expires = expires.String
	rec.ACL = json.RawMessage(acl.String)
	if userMeta.String != "" {
		json.Unmarshal([]byte(userMeta.String), &rec.UserMetadata)
	}
	rec.InitiatedAt = parseTime(initiatedAt)
	return &rec, nil
}

func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads
		 WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	rec, err := scanUpload(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", uploadID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO multipart_parts
		 (upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		part.UploadID, part.PartNumber, part.Size, part.ETag,
		fmtTime(part.LastModified),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrUploadNotFound
		}
		return fmt.Errorf("putting part %d of upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts
		 WHERE upload_id = ? AND part_number > ?
		 ORDER BY part_number LIMIT ?`,
		uploadID, opts.PartNumberMarker, maxParts+1)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %q: %w", uploadID, err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var rec PartRecord
		var lastModified string
		if err := rows.Scan(&rec.UploadID, &rec.PartNumber, &rec.Size, &rec.ETag, &lastModified); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		rec.LastModified = parseTime(lastModified)
		parts = append(parts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

func (s *SQLiteStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(partNumbers))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for _, pn := range partNumbers {
		args = append(args, pn)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts
		 WHERE upload_id = ? AND part_number IN (`+placeholders+`)
		 ORDER BY part_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching parts of %q: %w", uploadID, err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var rec PartRecord
		var lastModified string
		if err := rows.Scan(&rec.UploadID, &rec.PartNumber, &rec.Size, &rec.ETag, &lastModified); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		rec.LastModified = parseTime(lastModified)
		parts = append(parts, rec)
	}
	return parts, rows.Err()
}

// CompleteMultipartUpload commits the final object and removes the upload
// state in one transaction; a reader never observes a half-finished MPU.
func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting upload %q: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUploadNotFound
	}

	// Cascade handles multipart_parts, but delete explicitly so the
	// transaction does not depend on the foreign_keys pragma state.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts of %q: %w", uploadID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Bucket, obj.Key, obj.Size, obj.ETag, obj.ContentType,
		obj.ContentEncoding, obj.ContentLanguage, obj.ContentDisposition,
		obj.CacheControl, obj.Expires, obj.StorageClass, string(obj.ACL),
		marshalJSONText(obj.UserMetadata), fmtTime(obj.LastModified),
		boolToInt(obj.DeleteMarker),
	); err != nil {
		return fmt.Errorf("committing final object %s/%s: %w", obj.Bucket, obj.Key, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning abort transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting upload %q: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUploadNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts of %q: %w", uploadID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := `SELECT ` + uploadColumns + ` FROM multipart_uploads WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(opts.Prefix)+"%")
	}
	if opts.KeyMarker != "" {
		if opts.UploadIDMarker != "" {
			query += ` AND (key > ? OR (key = ? AND upload_id > ?))`
			args = append(args, opts.KeyMarker, opts.KeyMarker, opts.UploadIDMarker)
		} else {
			query += ` AND key > ?`
			args = append(args, opts.KeyMarker)
		}
	}
	query += ` ORDER BY key, upload_id LIMIT ?`
	args = append(args, maxUploads+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing uploads in %q: %w", bucket, err)
	}
	defer rows.Close()

	var uploads []MultipartUploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

func (s *SQLiteStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_key_id, secret_key, owner_id, display_name, active, created_at
		 FROM credentials WHERE access_key_id = ?`, accessKeyID)

	var rec CredentialRecord
	var active int
	var createdAt string
	err := row.Scan(&rec.AccessKeyID, &rec.SecretKey, &rec.OwnerID, &rec.DisplayName, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	rec.Active = active != 0
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials
		 (access_key_id, secret_key, owner_id, display_name, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cred.AccessKeyID, cred.SecretKey, cred.OwnerID, cred.DisplayName,
		boolToInt(cred.Active), fmtTime(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

// ReapExpiredUploads deletes uploads initiated before now-ttl and returns
// their identity so storage parts can be purged by the caller.
func (s *SQLiteStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	cutoff := fmtTime(time.Now().Add(-time.Duration(ttlSeconds) * time.Second))

	rows, err := s.db.Query(
		`SELECT upload_id, bucket, key FROM multipart_uploads WHERE initiated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding expired uploads: %w", err)
	}
	var expired []ExpiredUpload
	for rows.Next() {
		var e ExpiredUpload
		if err := rows.Scan(&e.UploadID, &e.BucketName, &e.ObjectKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired upload: %w", err)
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		if _, err := s.db.Exec(`DELETE FROM multipart_parts WHERE upload_id = ?`, e.UploadID); err != nil {
			return expired, fmt.Errorf("deleting parts of expired upload %q: %w", e.UploadID, err)
		}
		if _, err := s.db.Exec(`DELETE FROM multipart_uploads WHERE upload_id = ?`, e.UploadID); err != nil {
			return expired, fmt.Errorf("deleting expired upload %q: %w", e.UploadID, err)
		}
	}
	return expired, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ MetadataStore = (*SQLiteStore)(nil)
var _ UploadReaper = (*SQLiteStore)(nil)

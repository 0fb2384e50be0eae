package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores payloads as BLOBs in a SQLite database. Good for
// small-to-medium objects in embedded or single-node deployments where
// one file on disk beats a directory tree.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database file and its schema.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening storage database: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := b.db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS object_data (
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			data   BLOB NOT NULL,
			etag   TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		);

		CREATE TABLE IF NOT EXISTS part_data (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			data        BLOB    NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag := etagOf(data)
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)`,
		bucket, key, data, etag,
	); err != nil {
		return 0, "", fmt.Errorf("storing %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), etag, nil
}

func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	var data []byte
	var etag string
	err := b.db.QueryRowContext(ctx,
		`SELECT data, etag FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&data, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, 0, "", fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), etag, nil
}

func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *SQLiteBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data, etag)
		 SELECT ?, ?, data, etag FROM object_data WHERE bucket = ? AND key = ?`,
		dstBucket, dstKey, srcBucket, srcKey,
	)
	if err != nil {
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
	}

	var etag string
	err = b.db.QueryRowContext(ctx,
		`SELECT etag FROM object_data WHERE bucket = ? AND key = ?`,
		dstBucket, dstKey,
	).Scan(&etag)
	if err != nil {
		return "", fmt.Errorf("reading copied etag: %w", err)
	}
	return etag, nil
}

func (b *SQLiteBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag := etagOf(data)
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO part_data (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)`,
		uploadID, partNumber, data, etag,
	); err != nil {
		return "", fmt.Errorf("storing part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return etag, nil
}

func (b *SQLiteBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	var assembled bytes.Buffer
	composite := md5.New()

	for _, pn := range partNumbers {
		var data []byte
		err := b.db.QueryRowContext(ctx,
			`SELECT data FROM part_data WHERE upload_id = ? AND part_number = ?`,
			uploadID, pn,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("upload %s part %d: %w", uploadID, pn, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading part %d of upload %s: %w", pn, uploadID, err)
		}
		assembled.Write(data)
		sum := md5.Sum(data)
		composite.Write(sum[:])
	}

	// Store the composite over the part digests so GetObject reports the
	// same ETag the multipart handler records.
	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(partNumbers))
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)`,
		bucket, key, assembled.Bytes(), etag,
	); err != nil {
		return fmt.Errorf("storing assembled object %s/%s: %w", bucket, key, err)
	}
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM part_data WHERE upload_id = ?`, uploadID,
	); err != nil {
		return fmt.Errorf("discarding parts of upload %s: %w", uploadID, err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM part_data WHERE upload_id = ?`, uploadID,
	); err != nil {
		return fmt.Errorf("deleting parts of upload %s: %w", uploadID, err)
	}
	return nil
}

// ReapUploadParts discards a single upload's staged parts, used by the
// startup reaper.
func (b *SQLiteBackend) ReapUploadParts(uploadID string) error {
	return b.DeleteParts(context.Background(), "", "", uploadID)
}

// Bucket layout is implicit in the (bucket, key) primary key; the
// metadata store owns bucket lifecycle.
func (b *SQLiteBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *SQLiteBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var one int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

var _ Backend = (*SQLiteBackend)(nil)
var _ PartReaper = (*SQLiteBackend)(nil)

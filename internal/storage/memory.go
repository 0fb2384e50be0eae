package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBackendFull is returned when a write would push the memory backend
// past its configured byte budget.
var ErrBackendFull = errors.New("storage: memory budget exceeded")

type objectAddr struct {
	Bucket string
	Key    string
}

type partAddr struct {
	UploadID   string
	PartNumber int
}

type blob struct {
	Data []byte
	ETag string
}

// MemoryBackend keeps payloads in process memory under a configurable
// byte budget. With snapshot persistence enabled the full state is
// periodically flushed to a SQLite file and reloaded on startup, so an
// orderly restart loses nothing.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[objectAddr]blob
	parts   map[partAddr]blob
	used    int64
	budget  int64

	snapshotPath     string
	snapshotInterval time.Duration
	stop             chan struct{}
	done             sync.WaitGroup
}

// NewMemoryBackend builds the backend. budget <= 0 means unlimited.
// A non-empty snapshotPath enables persistence: any existing snapshot is
// loaded, and if interval > 0 a flush loop runs until Close.
func NewMemoryBackend(budget int64, snapshotPath string, interval time.Duration) (*MemoryBackend, error) {
	b := &MemoryBackend{
		objects:          make(map[objectAddr]blob),
		parts:            make(map[partAddr]blob),
		budget:           budget,
		snapshotPath:     snapshotPath,
		snapshotInterval: interval,
		stop:             make(chan struct{}),
	}
	if snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if interval > 0 {
			b.done.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

// Close stops the snapshot loop and writes a final snapshot when
// persistence is on.
func (b *MemoryBackend) Close() error {
	close(b.stop)
	b.done.Wait()
	if b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("final snapshot: %w", err)
		}
	}
	return nil
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, sum[:])
}

// reserve checks the budget for a net size change. Caller holds b.mu.
func (b *MemoryBackend) reserve(delta int64) error {
	if b.budget > 0 && b.used+delta > b.budget {
		return fmt.Errorf("%w: used=%d delta=%d budget=%d", ErrBackendFull, b.used, delta, b.budget)
	}
	return nil
}

func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	addr := objectAddr{bucket, key}
	etag := etagOf(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(data)) - int64(len(b.objects[addr].Data))
	if err := b.reserve(delta); err != nil {
		return 0, "", err
	}
	b.objects[addr] = blob{Data: data, ETag: etag}
	b.used += delta
	return int64(len(data)), etag, nil
}

func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	b.mu.RLock()
	obj, ok := b.objects[objectAddr{bucket, key}]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	// Hand out a copy so the stored slice stays immutable.
	data := append([]byte(nil), obj.Data...)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), obj.ETag, nil
}

func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	addr := objectAddr{bucket, key}
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[addr]; ok {
		b.used -= int64(len(obj.Data))
		delete(b.objects, addr)
	}
	return nil
}

func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.objects[objectAddr{srcBucket, srcKey}]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
	}
	dst := objectAddr{dstBucket, dstKey}
	delta := int64(len(src.Data)) - int64(len(b.objects[dst].Data))
	if err := b.reserve(delta); err != nil {
		return "", err
	}
	b.objects[dst] = blob{Data: append([]byte(nil), src.Data...), ETag: src.ETag}
	b.used += delta
	return src.ETag, nil
}

func (b *MemoryBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	addr := partAddr{uploadID, partNumber}
	etag := etagOf(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(data)) - int64(len(b.parts[addr].Data))
	if err := b.reserve(delta); err != nil {
		return "", err
	}
	b.parts[addr] = blob{Data: data, ETag: etag}
	b.used += delta
	return etag, nil
}

func (b *MemoryBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The stored ETag is the composite over the part digests, matching
	// what the multipart handler records for the object.
	var assembled []byte
	composite := md5.New()
	for _, pn := range partNumbers {
		part, ok := b.parts[partAddr{uploadID, pn}]
		if !ok {
			return fmt.Errorf("upload %s part %d: %w", uploadID, pn, ErrNotFound)
		}
		assembled = append(assembled, part.Data...)
		sum := md5.Sum(part.Data)
		composite.Write(sum[:])
	}

	addr := objectAddr{bucket, key}
	delta := int64(len(assembled)) - int64(len(b.objects[addr].Data))
	delta -= b.dropPartsLocked(uploadID)
	if err := b.reserve(delta); err != nil {
		return err
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(partNumbers))
	b.objects[addr] = blob{Data: assembled, ETag: etag}
	b.used += delta
	return nil
}

func (b *MemoryBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.ReapUploadParts(uploadID)
}

// ReapUploadParts drops every staged part of one upload.
func (b *MemoryBackend) ReapUploadParts(uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= b.dropPartsLocked(uploadID)
	return nil
}

// dropPartsLocked removes an upload's parts and returns the bytes freed.
// Caller holds b.mu and adjusts b.used.
func (b *MemoryBackend) dropPartsLocked(uploadID string) int64 {
	var freed int64
	for addr, part := range b.parts {
		if addr.UploadID == uploadID {
			freed += int64(len(part.Data))
			delete(b.parts, addr)
		}
	}
	return freed
}

// Buckets have no physical footprint here; the metadata store owns them.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[objectAddr{bucket, key}]
	return ok, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

func (b *MemoryBackend) snapshotLoop() {
	defer b.done.Done()
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("memory backend snapshot failed", "error", err)
			}
		}
	}
}

// loadSnapshot restores state from the SQLite snapshot file. A missing
// file is a fresh start.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('object_snapshots', 'part_snapshots')`).Scan(&tables)
	if err != nil {
		return fmt.Errorf("inspecting snapshot: %w", err)
	}
	if tables < 2 {
		return nil
	}

	rows, err := db.Query(`SELECT bucket, key, data, etag FROM object_snapshots`)
	if err != nil {
		return fmt.Errorf("reading object snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr objectAddr
		var obj blob
		if err := rows.Scan(&addr.Bucket, &addr.Key, &obj.Data, &obj.ETag); err != nil {
			return fmt.Errorf("scanning object snapshot: %w", err)
		}
		b.objects[addr] = obj
		b.used += int64(len(obj.Data))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := db.Query(`SELECT upload_id, part_number, data, etag FROM part_snapshots`)
	if err != nil {
		return fmt.Errorf("reading part snapshots: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var addr partAddr
		var part blob
		if err := prows.Scan(&addr.UploadID, &addr.PartNumber, &part.Data, &part.ETag); err != nil {
			return fmt.Errorf("scanning part snapshot: %w", err)
		}
		b.parts[addr] = part
		b.used += int64(len(part.Data))
	}
	return prows.Err()
}

// writeSnapshot dumps the current state into a fresh SQLite file next to
// the target path, then renames it into place.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	objects := make(map[objectAddr]blob, len(b.objects))
	for addr, obj := range b.objects {
		objects[addr] = obj
	}
	parts := make(map[partAddr]blob, len(b.parts))
	for addr, part := range b.parts {
		parts[addr] = part
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp := b.snapshotPath + ".tmp"
	os.Remove(tmp)

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	fail := func(err error) error {
		db.Close()
		os.Remove(tmp)
		return err
	}

	const schema = `
		PRAGMA journal_mode = DELETE;
		PRAGMA synchronous = FULL;

		CREATE TABLE object_snapshots (
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			data   BLOB NOT NULL,
			etag   TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		);

		CREATE TABLE part_snapshots (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			data        BLOB    NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail(fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return fail(fmt.Errorf("beginning snapshot tx: %w", err))
	}

	objAddrs := make([]objectAddr, 0, len(objects))
	for addr := range objects {
		objAddrs = append(objAddrs, addr)
	}
	sort.Slice(objAddrs, func(i, j int) bool {
		if objAddrs[i].Bucket != objAddrs[j].Bucket {
			return objAddrs[i].Bucket < objAddrs[j].Bucket
		}
		return objAddrs[i].Key < objAddrs[j].Key
	})
	for _, addr := range objAddrs {
		obj := objects[addr]
		if _, err := tx.Exec(
			`INSERT INTO object_snapshots (bucket, key, data, etag) VALUES (?, ?, ?, ?)`,
			addr.Bucket, addr.Key, obj.Data, obj.ETag,
		); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("writing object snapshot %s/%s: %w", addr.Bucket, addr.Key, err))
		}
	}

	partAddrs := make([]partAddr, 0, len(parts))
	for addr := range parts {
		partAddrs = append(partAddrs, addr)
	}
	sort.Slice(partAddrs, func(i, j int) bool {
		if partAddrs[i].UploadID != partAddrs[j].UploadID {
			return partAddrs[i].UploadID < partAddrs[j].UploadID
		}
		return partAddrs[i].PartNumber < partAddrs[j].PartNumber
	})
	for _, addr := range partAddrs {
		part := parts[addr]
		if _, err := tx.Exec(
			`INSERT INTO part_snapshots (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)`,
			addr.UploadID, addr.PartNumber, part.Data, part.ETag,
		); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("writing part snapshot %s/%d: %w", addr.UploadID, addr.PartNumber, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("committing snapshot: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp, b.snapshotPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	os.Remove(tmp + "-wal")
	os.Remove(tmp + "-shm")
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
var _ PartReaper = (*MemoryBackend)(nil)

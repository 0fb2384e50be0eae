package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// LocalBackend stores payloads as plain files: {root}/{bucket}/{key} for
// objects and {root}/.multipart/{uploadID}/{partNumber:05d} for staged
// parts. Every write goes through a temp file in {root}/.tmp with an
// fsync before the rename, so a crash never leaves a torn object visible.
type LocalBackend struct {
	root string
}

const (
	tmpDirName  = ".tmp"
	partDirName = ".multipart"
)

// NewLocalBackend prepares the root and scratch directories.
func NewLocalBackend(root string) (*LocalBackend, error) {
	for _, dir := range []string{root, filepath.Join(root, tmpDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %q: %w", dir, err)
		}
	}
	return &LocalBackend{root: root}, nil
}

// Root returns the backend's base directory.
func (b *LocalBackend) Root() string { return b.root }

// CleanTempFiles discards leftovers in .tmp. Run at startup: anything
// still there is a write that never reached its rename.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.root, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %q: %w", tmpDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
	return nil
}

// climbsUpward reports whether any slash-separated segment of the given
// path components is "..". filepath.Join collapses those, so a key like
// "../../x" would land outside the root if it got that far.
func climbsUpward(components ...string) bool {
	for _, c := range components {
		for _, seg := range strings.Split(filepath.ToSlash(c), "/") {
			if seg == ".." {
				return true
			}
		}
	}
	return false
}

func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	if climbsUpward(bucket, key) {
		return "", fmt.Errorf("%s/%s: %w", bucket, key, ErrInvalidKey)
	}
	return filepath.Join(b.root, bucket, key), nil
}

func (b *LocalBackend) partPath(uploadID string, partNumber int) (string, error) {
	if climbsUpward(uploadID) {
		return "", fmt.Errorf("upload %s: %w", uploadID, ErrInvalidKey)
	}
	return filepath.Join(b.root, partDirName, uploadID, fmt.Sprintf("%05d", partNumber)), nil
}

// stageWrite copies the reader into a fresh temp file, fsyncs it, and
// atomically renames it to dst. It returns the byte count and the MD5
// digest of what was written. The temp file is removed on any failure.
func (b *LocalBackend) stageWrite(dst string, reader io.Reader) (int64, []byte, error) {
	tmp := filepath.Join(b.root, tmpDirName, "put-"+uid.New())
	f, err := os.Create(tmp)
	if err != nil {
		return 0, nil, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(f, io.TeeReader(reader, h))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, nil, fmt.Errorf("staging write to %q: %w", dst, err)
	}
	return n, h.Sum(nil), nil
}

func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	dst, err := b.objectPath(bucket, key)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent dirs for %s/%s: %w", bucket, key, err)
	}
	n, sum, err := b.stageWrite(dst, reader)
	if err != nil {
		return 0, "", err
	}
	return n, fmt.Sprintf(`"%x"`, sum), nil
}

func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, 0, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("opening %s/%s: %w", bucket, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return f, info.Size(), "", nil
}

func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	dst, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s/%s: %w", bucket, key, err)
	}
	// Keys with "/" leave empty directories behind.
	cleanEmptyParents(filepath.Dir(dst), filepath.Join(b.root, bucket))
	return nil
}

func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcPath, err := b.objectPath(srcBucket, srcKey)
	if err != nil {
		return "", err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
		}
		return "", fmt.Errorf("opening copy source: %w", err)
	}
	defer src.Close()

	_, etag, err := b.PutObject(ctx, dstBucket, dstKey, src, -1)
	return etag, err
}

func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	dst, err := b.partPath(uploadID, partNumber)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating part dir for upload %s: %w", uploadID, err)
	}
	_, sum, err := b.stageWrite(dst, reader)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%x"`, sum), nil
}

func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	dst, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if climbsUpward(uploadID) {
		return fmt.Errorf("upload %s: %w", uploadID, ErrInvalidKey)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent dirs for %s/%s: %w", bucket, key, err)
	}

	// Feed the staged parts through a pipe so assembly reuses the same
	// atomic write path.
	pr, pw := io.Pipe()
	go func() {
		for _, pn := range partNumbers {
			path, err := b.partPath(uploadID, pn)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			f, err := os.Open(path)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("opening part %d: %w", pn, err))
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("reading part %d: %w", pn, err))
				return
			}
		}
		pw.Close()
	}()

	if _, _, err := b.stageWrite(dst, pr); err != nil {
		pr.CloseWithError(err)
		return err
	}

	os.RemoveAll(filepath.Join(b.root, partDirName, uploadID))
	return nil
}

func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.ReapUploadParts(uploadID)
}

// ReapUploadParts discards a single upload's staged parts, then drops
// the .multipart directory itself once nothing is left in it.
func (b *LocalBackend) ReapUploadParts(uploadID string) error {
	if climbsUpward(uploadID) {
		return fmt.Errorf("upload %s: %w", uploadID, ErrInvalidKey)
	}
	dir := filepath.Join(b.root, partDirName, uploadID)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part dir %q: %w", dir, err)
	}
	os.Remove(filepath.Join(b.root, partDirName)) // fails while non-empty
	return nil
}

func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	if climbsUpward(bucket) {
		return fmt.Errorf("bucket %s: %w", bucket, ErrInvalidKey)
	}
	dir := filepath.Join(b.root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating bucket dir %q: %w", dir, err)
	}
	return nil
}

func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if climbsUpward(bucket) {
		return fmt.Errorf("bucket %s: %w", bucket, ErrInvalidKey)
	}
	// os.Remove refuses non-empty directories, which is what we want.
	dir := filepath.Join(b.root, bucket)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket dir %q: %w", dir, err)
	}
	return nil
}

func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return !info.IsDir(), nil
}

func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.root)
	return err
}

// cleanEmptyParents removes empty directories from dir upward, stopping
// at stopAt (exclusive).
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ Backend = (*LocalBackend)(nil)
var _ PartReaper = (*LocalBackend)(nil)

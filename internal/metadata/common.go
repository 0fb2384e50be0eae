package metadata

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every engine so callers can classify failures
// with errors.Is instead of matching message text.
var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotEmpty = errors.New("bucket not empty")
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadNotFound = errors.New("upload not found")
)

// NewUploadID returns a 32-char hex multipart upload identifier.
func NewUploadID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// effectiveStartKey resolves the three overlapping pagination inputs into
// the single exclusive lower bound used by the scan.
func effectiveStartKey(opts ListObjectsOptions) string {
	if opts.ContinuationToken != "" {
		return opts.ContinuationToken
	}
	if opts.StartAfter != "" {
		return opts.StartAfter
	}
	return opts.Marker
}

// objectPager folds a key-ordered stream of object records into one
// listing page, applying delimiter grouping and the max-keys cap. Each
// unique common prefix counts once toward the cap. Feed records in
// ascending key order via add; add reports false when the page is full
// (the offered record was not consumed and the listing is truncated).
type objectPager struct {
	prefix    string
	delimiter string
	maxKeys   int
	seen      map[string]struct{}
	out       ListObjectsResult
	lastEmit  string
	count     int
}

func newObjectPager(prefix, delimiter string, maxKeys int) *objectPager {
	return &objectPager{
		prefix:    prefix,
		delimiter: delimiter,
		maxKeys:   maxKeys,
		seen:      make(map[string]struct{}),
	}
}

func (p *objectPager) add(rec ObjectRecord) bool {
	if p.maxKeys == 0 {
		// max-keys=0 is a legal request: empty page, never truncated.
		return false
	}
	if p.delimiter != "" {
		rest := strings.TrimPrefix(rec.Key, p.prefix)
		if idx := strings.Index(rest, p.delimiter); idx >= 0 {
			cp := p.prefix + rest[:idx+len(p.delimiter)]
			if _, dup := p.seen[cp]; dup {
				return true
			}
			if p.count >= p.maxKeys {
				p.out.IsTruncated = true
				return false
			}
			p.seen[cp] = struct{}{}
			p.out.CommonPrefixes = append(p.out.CommonPrefixes, cp)
			p.count++
			p.lastEmit = cp
			return true
		}
	}
	if p.count >= p.maxKeys {
		p.out.IsTruncated = true
		return false
	}
	p.out.Objects = append(p.out.Objects, rec)
	p.count++
	p.lastEmit = rec.Key
	return true
}

func (p *objectPager) result() *ListObjectsResult {
	res := p.out
	if res.IsTruncated {
		res.NextMarker = p.lastEmit
		res.NextContinuationToken = p.lastEmit
	}
	return &res
}

// afterUploadMarker reports whether the (key, uploadID) pair sorts after
// the ListMultipartUploads markers.
func afterUploadMarker(key, uploadID, keyMarker, uploadIDMarker string) bool {
	if keyMarker == "" {
		return true
	}
	if key > keyMarker {
		return true
	}
	return key == keyMarker && uploadIDMarker != "" && uploadID > uploadIDMarker
}

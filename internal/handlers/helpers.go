package handlers

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

var (
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	ipv4Pattern       = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// validateBucketName enforces the S3 bucket naming rules: 3-63 chars of
// lowercase letters, digits, hyphens, and periods; must start and end
// alphanumeric; no IP-address shapes, reserved affixes, or "..".
func validateBucketName(name string) error {
	switch {
	case len(name) < 3 || len(name) > 63:
		return fmt.Errorf("bucket name must be 3-63 characters, got %d", len(name))
	case !bucketNamePattern.MatchString(name):
		return fmt.Errorf("bucket name %q contains invalid characters", name)
	case ipv4Pattern.MatchString(name):
		return fmt.Errorf("bucket name must not look like an IP address")
	case strings.HasPrefix(name, "xn--"):
		return fmt.Errorf("bucket name must not start with xn--")
	case strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3"):
		return fmt.Errorf("bucket name uses a reserved suffix")
	case strings.Contains(name, ".."):
		return fmt.Errorf("bucket name must not contain consecutive periods")
	}
	return nil
}

// userMetadata collects x-amz-meta-* headers, lowercasing the suffix.
// Returns nil when the request carries none.
func userMetadata(hdr http.Header) map[string]string {
	var meta map[string]string
	for name, values := range hdr {
		lower := strings.ToLower(name)
		suffix, found := strings.CutPrefix(lower, "x-amz-meta-")
		if !found || suffix == "" || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[suffix] = values[0]
	}
	return meta
}

// contentHeaders captures the standard representation headers recorded
// at PutObject and CreateMultipartUpload time.
type contentHeaders struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
}

func extractContentHeaders(hdr http.Header) contentHeaders {
	ct := hdr.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return contentHeaders{
		ContentType:        ct,
		ContentEncoding:    hdr.Get("Content-Encoding"),
		ContentLanguage:    hdr.Get("Content-Language"),
		ContentDisposition: hdr.Get("Content-Disposition"),
		CacheControl:       hdr.Get("Cache-Control"),
		Expires:            hdr.Get("Expires"),
	}
}

// parseContentMD5 decodes a Content-MD5 header into the expected raw
// digest. An absent header yields (nil, nil); a malformed one is an
// InvalidDigest error.
func parseContentMD5(hdr http.Header) ([]byte, *s3err.S3Error) {
	val := hdr.Get("Content-MD5")
	if val == "" {
		return nil, nil
	}
	sum, err := base64.StdEncoding.DecodeString(val)
	if err != nil || len(sum) != 16 {
		return nil, s3err.ErrInvalidDigest
	}
	return sum, nil
}

// digestMatchesETag compares an expected raw MD5 against the quoted hex
// ETag a storage backend computed while writing.
func digestMatchesETag(expected []byte, etag string) bool {
	return hex.EncodeToString(expected) == strings.Trim(etag, `"`)
}

// parseCopySource splits an x-amz-copy-source value ("/bucket/key" or
// "bucket/key", URL-encoded) into its parts.
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// parseRange resolves a single-range Range header ("bytes=0-4",
// "bytes=5-", "bytes=-10") to inclusive offsets within size bytes.
// Multi-range requests, malformed specs, and ranges starting at or past
// the end are errors; an overlong end offset is clamped.
func parseRange(header string, size int64) (start, end int64, err error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("no satisfiable range for an empty object")
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, fmt.Errorf("range %q: missing bytes= prefix", header)
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range requests are not supported")
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, fmt.Errorf("range spec %q has no separator", spec)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix form: last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length %q", endStr)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", startStr)
	}
	if start >= size {
		return 0, 0, fmt.Errorf("range start %d is beyond object size %d", start, size)
	}
	if endStr == "" {
		return start, size - 1, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end %q", endStr)
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d exceeds end %d", start, end)
	}
	return start, end, nil
}

// skipAhead positions reader at offset, seeking when the underlying
// stream supports it.
func skipAhead(reader io.Reader, offset int64) error {
	if offset == 0 {
		return nil
	}
	if seeker, ok := reader.(io.Seeker); ok {
		_, err := seeker.Seek(offset, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, reader, offset)
	return err
}

// writeObjectHeaders emits the standard object response headers from
// the metadata record, including Content-Length and x-amz-meta-*.
func writeObjectHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	hdr := w.Header()
	hdr.Set("Content-Type", obj.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	hdr.Set("ETag", obj.ETag)
	hdr.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	hdr.Set("Accept-Ranges", "bytes")

	setIfPresent := func(name, value string) {
		if value != "" {
			hdr.Set(name, value)
		}
	}
	setIfPresent("Content-Encoding", obj.ContentEncoding)
	setIfPresent("Content-Language", obj.ContentLanguage)
	setIfPresent("Content-Disposition", obj.ContentDisposition)
	setIfPresent("Cache-Control", obj.CacheControl)
	setIfPresent("Expires", obj.Expires)
	if obj.StorageClass != "" && obj.StorageClass != "STANDARD" {
		hdr.Set("x-amz-storage-class", obj.StorageClass)
	}
	for key, value := range obj.UserMetadata {
		hdr.Set("x-amz-meta-"+strings.ToLower(key), value)
	}
}

// responseOverrides maps response-* query parameters (mostly used on
// presigned GETs) to the headers they replace.
var responseOverrides = map[string]string{
	"response-content-type":        "Content-Type",
	"response-content-language":    "Content-Language",
	"response-content-disposition": "Content-Disposition",
	"response-content-encoding":    "Content-Encoding",
	"response-cache-control":       "Cache-Control",
	"response-expires":             "Expires",
}

func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for param, header := range responseOverrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// completedPart is one <Part> of a CompleteMultipartUpload manifest.
type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

func parseCompletionManifest(body io.Reader) ([]completedPart, error) {
	var manifest struct {
		XMLName xml.Name        `xml:"CompleteMultipartUpload"`
		Parts   []completedPart `xml:"Part"`
	}
	if err := xml.NewDecoder(io.LimitReader(body, maxParsedBodySize)).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decoding completion manifest: %w", err)
	}
	return manifest.Parts, nil
}

// decodeXMLBody parses a size-capped XML request body into dst.
func decodeXMLBody(r *http.Request, dst any) error {
	return xml.NewDecoder(io.LimitReader(r.Body, maxParsedBodySize)).Decode(dst)
}

// countingReader tracks how many bytes passed through it, so handlers
// can record exact part sizes even without a Content-Length.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package handlers

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

func putObject(t *testing.T, h *S3, bucket, key, content string) string {
	t.Helper()
	req := httptest.NewRequest("PUT", "/"+bucket+"/"+key, strings.NewReader(content))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject(%s/%s) = %d: %s", bucket, key, rec.Code, rec.Body.String())
	}
	return rec.Header().Get("ETag")
}

func TestPutGetObjectRoundTrip(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	req := httptest.NewRequest("PUT", "/my-bucket/docs/readme.txt", strings.NewReader("hello world"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Amz-Meta-Project", "demo")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject = %d: %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("PutObject returned no ETag")
	}

	rec = httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/my-bucket/docs/readme.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
	if got := rec.Header().Get("ETag"); got != etag {
		t.Errorf("ETag = %q, want %q", got, etag)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if meta := rec.Header().Get("x-amz-meta-project"); meta != "demo" {
		t.Errorf("x-amz-meta-project = %q, want demo", meta)
	}
	if ar := rec.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", ar)
	}
}

func TestPutObjectNoSuchBucket(t *testing.T) {
	h := newTestS3(t)

	req := httptest.NewRequest("PUT", "/absent/key", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "NoSuchBucket" {
		t.Errorf("code = %q, want NoSuchBucket", code)
	}
}

func TestPutObjectRejectsTraversalKey(t *testing.T) {
	meta := metadata.NewMemoryStore()
	t.Cleanup(func() { meta.Close() })

	base := t.TempDir()
	store, err := storage.NewLocalBackend(filepath.Join(base, "objects"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	h := New(meta, store, Options{
		Region:           "us-east-1",
		OwnerID:          "test-owner",
		OwnerDisplayName: "Test Owner",
	})
	createBucket(t, h, "my-bucket")

	req := httptest.NewRequest("PUT", "/my-bucket/../../escape.txt", strings.NewReader("should never land"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec.Body); code != "InvalidArgument" {
		t.Errorf("code = %q, want InvalidArgument", code)
	}
	if _, err := os.Stat(filepath.Join(base, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("payload written outside the storage root: %v", err)
	}
}

func TestPutObjectKeyTooLong(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	key := strings.Repeat("k", 1025)
	req := httptest.NewRequest("PUT", "/my-bucket/"+key, strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "KeyTooLongError" {
		t.Errorf("code = %q, want KeyTooLongError", code)
	}
}

func TestPutObjectContentMD5(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	// MD5("hello") base64-encoded matches the body.
	req := httptest.NewRequest("PUT", "/my-bucket/ok", strings.NewReader("hello"))
	req.Header.Set("Content-MD5", "XUFAKrxLKna5cZ2REBfFkg==")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("matching digest = %d: %s", rec.Code, rec.Body.String())
	}

	// Same digest over different content.
	req = httptest.NewRequest("PUT", "/my-bucket/bad", strings.NewReader("not hello"))
	req.Header.Set("Content-MD5", "XUFAKrxLKna5cZ2REBfFkg==")
	rec = httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatched digest = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "BadDigest" {
		t.Errorf("code = %q, want BadDigest", code)
	}

	// A rejected upload must not leave the object behind.
	rec = httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/my-bucket/bad", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("rejected object still readable: %d", rec.Code)
	}

	// Unparseable header.
	req = httptest.NewRequest("PUT", "/my-bucket/worse", strings.NewReader("hello"))
	req.Header.Set("Content-MD5", "!!!")
	rec = httptest.NewRecorder()
	h.PutObject(rec, req)
	if code := errorCode(t, rec.Body); code != "InvalidDigest" {
		t.Errorf("code = %q, want InvalidDigest", code)
	}
}

func TestPutObjectTooLarge(t *testing.T) {
	h := newTestS3(t)
	h.maxObjectSize = 4
	createBucket(t, h, "my-bucket")

	req := httptest.NewRequest("PUT", "/my-bucket/big", strings.NewReader("five!"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "EntityTooLarge" {
		t.Errorf("code = %q, want EntityTooLarge", code)
	}
}

func TestPutObjectIfNoneMatchWildcard(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "existing", "v1")

	req := httptest.NewRequest("PUT", "/my-bucket/existing", strings.NewReader("v2"))
	req.Header.Set("If-None-Match", "*")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", rec.Code)
	}

	// Fresh key: the wildcard precondition holds.
	req = httptest.NewRequest("PUT", "/my-bucket/fresh", strings.NewReader("v1"))
	req.Header.Set("If-None-Match", "*")
	rec = httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh key status = %d, want 200", rec.Code)
	}
}

func TestGetObjectRange(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "data", "0123456789")

	tests := []struct {
		header string
		want   string
		status int
	}{
		{"bytes=0-3", "0123", http.StatusPartialContent},
		{"bytes=5-", "56789", http.StatusPartialContent},
		{"bytes=-3", "789", http.StatusPartialContent},
		{"bytes=0-99", "0123456789", http.StatusPartialContent},
		{"bytes=10-", "", http.StatusRequestedRangeNotSatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/my-bucket/data", nil)
			req.Header.Set("Range", tt.header)
			rec := httptest.NewRecorder()
			h.GetObject(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusPartialContent {
				if cr := rec.Header().Get("Content-Range"); cr != "bytes */10" {
					t.Errorf("Content-Range = %q, want bytes */10", cr)
				}
				return
			}
			if body := rec.Body.String(); body != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestGetObjectConditional(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	etag := putObject(t, h, "my-bucket", "data", "content")

	req := httptest.NewRequest("GET", "/my-bucket/data", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("If-None-Match hit = %d, want 304", rec.Code)
	}
	if got := rec.Header().Get("ETag"); got != etag {
		t.Errorf("304 ETag = %q, want %q", got, etag)
	}

	req = httptest.NewRequest("GET", "/my-bucket/data", nil)
	req.Header.Set("If-Match", `"different"`)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("If-Match miss = %d, want 412", rec.Code)
	}
}

func TestGetObjectResponseOverrides(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "data", "content")

	req := httptest.NewRequest("GET", "/my-bucket/data?response-content-type=application/json&response-cache-control=no-store", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestHeadObject(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "data", "content")

	rec := httptest.NewRecorder()
	h.HeadObject(rec, httptest.NewRequest("HEAD", "/my-bucket/data", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "7" {
		t.Errorf("Content-Length = %q, want 7", cl)
	}
	if rec.Body.Len() != 0 {
		t.Error("HEAD response carried a body")
	}

	rec = httptest.NewRecorder()
	h.HeadObject(rec, httptest.NewRequest("HEAD", "/my-bucket/absent", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent key = %d, want 404", rec.Code)
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "data", "content")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.DeleteObject(rec, httptest.NewRequest("DELETE", "/my-bucket/data", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete #%d = %d, want 204", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/my-bucket/data", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted object still readable: %d", rec.Code)
	}
}

func TestDeleteObjects(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "a", "1")
	putObject(t, h, "my-bucket", "b", "2")

	body := strings.NewReader(`<Delete><Object><Key>a</Key></Object><Object><Key>b</Key></Object><Object><Key>ghost</Key></Object></Delete>`)
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, httptest.NewRequest("POST", "/my-bucket?delete", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.DeleteResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	// Deleting a missing key succeeds, matching single-key DeleteObject.
	if len(result.Deleted) != 3 {
		t.Errorf("deleted = %d entries, want 3: %+v", len(result.Deleted), result)
	}
}

func TestDeleteObjectsQuiet(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "a", "1")

	body := strings.NewReader(`<Delete><Quiet>true</Quiet><Object><Key>a</Key></Object></Delete>`)
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, httptest.NewRequest("POST", "/my-bucket?delete", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result xmlutil.DeleteResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("quiet mode reported %d deletions, want 0", len(result.Deleted))
	}
}

func TestCopyObject(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "src")
	createBucket(t, h, "dst")

	req := httptest.NewRequest("PUT", "/src/original", strings.NewReader("payload"))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-Amz-Meta-Origin", "here")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject = %d", rec.Code)
	}

	req = httptest.NewRequest("PUT", "/dst/copy", nil)
	req.Header.Set("x-amz-copy-source", "/src/original")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject = %d: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.CopyObjectResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.ETag == "" {
		t.Error("CopyObjectResult has no ETag")
	}

	// COPY directive carries source metadata over.
	rec = httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/dst/copy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "payload" {
		t.Errorf("body = %q, want payload", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if meta := rec.Header().Get("x-amz-meta-origin"); meta != "here" {
		t.Errorf("x-amz-meta-origin = %q, want here", meta)
	}
}

func TestCopyObjectReplaceDirective(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "original", "payload")

	req := httptest.NewRequest("PUT", "/my-bucket/copy", nil)
	req.Header.Set("x-amz-copy-source", "/my-bucket/original")
	req.Header.Set("x-amz-metadata-directive", "REPLACE")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/my-bucket/copy", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestCopyObjectToItself(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "key", "payload")

	req := httptest.NewRequest("PUT", "/my-bucket/key", nil)
	req.Header.Set("x-amz-copy-source", "/my-bucket/key")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self-copy = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "InvalidRequest" {
		t.Errorf("code = %q, want InvalidRequest", code)
	}
}

func TestCopyObjectSourceConditional(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "src", "payload")

	req := httptest.NewRequest("PUT", "/my-bucket/dst", nil)
	req.Header.Set("x-amz-copy-source", "/my-bucket/src")
	req.Header.Set("x-amz-copy-source-if-match", `"wrong"`)
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", rec.Code)
	}
}

func TestListObjectsV2(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	for _, key := range []string{"a.txt", "dir/one", "dir/two", "z.txt"} {
		putObject(t, h, "my-bucket", key, "x")
	}

	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, httptest.NewRequest("GET", "/my-bucket?list-type=2&delimiter=/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var result xmlutil.ListBucketV2Result
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(result.Contents) != 2 {
		t.Errorf("contents = %d, want 2 (a.txt, z.txt): %+v", len(result.Contents), result.Contents)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0].Prefix != "dir/" {
		t.Errorf("common prefixes = %+v, want [dir/]", result.CommonPrefixes)
	}
	if result.KeyCount != 3 {
		t.Errorf("KeyCount = %d, want 3", result.KeyCount)
	}
}

func TestListObjectsPagination(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	for _, key := range []string{"k1", "k2", "k3"} {
		putObject(t, h, "my-bucket", key, "x")
	}

	rec := httptest.NewRecorder()
	h.ListObjects(rec, httptest.NewRequest("GET", "/my-bucket?max-keys=2", nil))
	var page1 xmlutil.ListBucketResult
	if err := xml.NewDecoder(rec.Body).Decode(&page1); err != nil {
		t.Fatalf("decoding page 1: %v", err)
	}
	if len(page1.Contents) != 2 || !page1.IsTruncated {
		t.Fatalf("page 1 = %d keys truncated=%v, want 2 truncated", len(page1.Contents), page1.IsTruncated)
	}

	rec = httptest.NewRecorder()
	h.ListObjects(rec, httptest.NewRequest("GET", "/my-bucket?marker="+page1.NextMarker, nil))
	var page2 xmlutil.ListBucketResult
	if err := xml.NewDecoder(rec.Body).Decode(&page2); err != nil {
		t.Fatalf("decoding page 2: %v", err)
	}
	if len(page2.Contents) != 1 || page2.IsTruncated {
		t.Errorf("page 2 = %d keys truncated=%v, want 1 not truncated", len(page2.Contents), page2.IsTruncated)
	}
}

func TestListObjectsBadMaxKeys(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	rec := httptest.NewRecorder()
	h.ListObjects(rec, httptest.NewRequest("GET", "/my-bucket?max-keys=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestObjectACL(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "data", "x")

	req := httptest.NewRequest("PUT", "/my-bucket/data?acl", nil)
	req.Header.Set("x-amz-acl", "public-read")
	rec := httptest.NewRecorder()
	h.PutObjectACL(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObjectACL = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetObjectACL(rec, httptest.NewRequest("GET", "/my-bucket/data?acl", nil))
	var acp xmlutil.AccessControlPolicy
	if err := xml.NewDecoder(rec.Body).Decode(&acp); err != nil {
		t.Fatalf("decoding acl: %v", err)
	}
	if len(acp.AccessControlList.Grants) != 2 {
		t.Errorf("grants = %d, want 2", len(acp.AccessControlList.Grants))
	}

	rec = httptest.NewRecorder()
	h.GetObjectACL(rec, httptest.NewRequest("GET", "/my-bucket/absent?acl", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent key acl = %d, want 404", rec.Code)
	}
}

func TestGetObjectEmptyBody(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")
	putObject(t, h, "my-bucket", "empty", "")

	rec := httptest.NewRecorder()
	h.GetObject(rec, httptest.NewRequest("GET", "/my-bucket/empty", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got, _ := io.ReadAll(rec.Body); len(got) != 0 {
		t.Errorf("body = %q, want empty", got)
	}

	// A Range request against an empty object is never satisfiable.
	req := httptest.NewRequest("GET", "/my-bucket/empty", nil)
	req.Header.Set("Range", "bytes=0-0")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("empty range status = %d, want 416", rec.Code)
	}
}

package server

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

func TestSignedObjectLifecycle(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, "PUT", "/photos", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d: %s", rec.Code, rec.Body.String())
	}

	content := []byte("sunset over the bay")
	rec := ts.do(t, "PUT", "/photos/2026/bay.jpg", content)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject = %d: %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("PutObject returned no ETag")
	}

	rec = ts.do(t, "GET", "/photos/2026/bay.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject = %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), content)
	}
	if got := rec.Header().Get("ETag"); got != etag {
		t.Errorf("GET ETag = %q, want %q", got, etag)
	}

	rec = ts.do(t, "HEAD", "/photos/2026/bay.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != fmt.Sprint(len(content)) {
		t.Errorf("HEAD Content-Length = %q, want %d", got, len(content))
	}

	rec = ts.do(t, "DELETE", "/photos/2026/bay.jpg", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObject = %d", rec.Code)
	}
	if rec = ts.do(t, "GET", "/photos/2026/bay.jpg", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rec.Code)
	}
}

func TestSignedListingAndCopy(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, "PUT", "/library", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d", rec.Code)
	}
	for _, key := range []string{"a.txt", "docs/b.txt", "docs/c.txt"} {
		if rec := ts.do(t, "PUT", "/library/"+key, []byte(key)); rec.Code != http.StatusOK {
			t.Fatalf("PutObject(%s) = %d", key, rec.Code)
		}
	}

	rec := ts.do(t, "GET", "/library?list-type=2&delimiter=%2F", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 = %d: %s", rec.Code, rec.Body.String())
	}
	var listing xmlutil.ListBucketV2Result
	if err := xml.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if len(listing.Contents) != 1 || listing.Contents[0].Key != "a.txt" {
		t.Errorf("contents = %+v, want a.txt only", listing.Contents)
	}
	if len(listing.CommonPrefixes) != 1 || listing.CommonPrefixes[0].Prefix != "docs/" {
		t.Errorf("common prefixes = %+v, want docs/", listing.CommonPrefixes)
	}

	req := httptest.NewRequest("PUT", "/library/copy-of-a.txt", nil)
	req.Header.Set("x-amz-copy-source", "/library/a.txt")
	sign(req, nil)
	copyRec := httptest.NewRecorder()
	ts.handler.ServeHTTP(copyRec, req)
	if copyRec.Code != http.StatusOK {
		t.Fatalf("CopyObject = %d: %s", copyRec.Code, copyRec.Body.String())
	}
	var copied xmlutil.CopyObjectResult
	if err := xml.NewDecoder(copyRec.Body).Decode(&copied); err != nil {
		t.Fatalf("decoding copy result: %v", err)
	}
	if copied.ETag == "" {
		t.Error("copy result has no ETag")
	}

	if rec := ts.do(t, "GET", "/library/copy-of-a.txt", nil); rec.Code != http.StatusOK || rec.Body.String() != "a.txt" {
		t.Errorf("copied object = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSignedMultipartUpload(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, "PUT", "/archive", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d", rec.Code)
	}

	rec := ts.do(t, "POST", "/archive/backup.bin?uploads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("CreateMultipartUpload = %d: %s", rec.Code, rec.Body.String())
	}
	var initiated xmlutil.InitiateMultipartUploadResult
	if err := xml.NewDecoder(rec.Body).Decode(&initiated); err != nil {
		t.Fatalf("decoding initiate result: %v", err)
	}

	part1 := bytes.Repeat([]byte("x"), 5<<20)
	part2 := []byte("final-part")
	var etags []string
	for i, data := range [][]byte{part1, part2} {
		target := fmt.Sprintf("/archive/backup.bin?partNumber=%d&uploadId=%s", i+1, initiated.UploadID)
		rec := ts.do(t, "PUT", target, data)
		if rec.Code != http.StatusOK {
			t.Fatalf("UploadPart %d = %d: %s", i+1, rec.Code, rec.Body.String())
		}
		etags = append(etags, rec.Header().Get("ETag"))
	}

	var manifest strings.Builder
	manifest.WriteString("<CompleteMultipartUpload>")
	for i, etag := range etags {
		fmt.Fprintf(&manifest, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", i+1, etag)
	}
	manifest.WriteString("</CompleteMultipartUpload>")

	rec = ts.do(t, "POST", "/archive/backup.bin?uploadId="+initiated.UploadID, []byte(manifest.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("CompleteMultipartUpload = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, "HEAD", "/archive/backup.bin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD after complete = %d", rec.Code)
	}
	wantSize := fmt.Sprint(len(part1) + len(part2))
	if got := rec.Header().Get("Content-Length"); got != wantSize {
		t.Errorf("Content-Length = %q, want %s", got, wantSize)
	}
}

func TestSignedBatchDelete(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, "PUT", "/staging", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d", rec.Code)
	}
	for _, key := range []string{"one", "two"} {
		if rec := ts.do(t, "PUT", "/staging/"+key, []byte(key)); rec.Code != http.StatusOK {
			t.Fatalf("PutObject(%s) = %d", key, rec.Code)
		}
	}

	body := []byte(`<Delete><Object><Key>one</Key></Object><Object><Key>two</Key></Object></Delete>`)
	rec := ts.do(t, "POST", "/staging?delete", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("DeleteObjects = %d: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.DeleteResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding delete result: %v", err)
	}
	if len(result.Deleted) != 2 {
		t.Errorf("deleted = %d entries, want 2", len(result.Deleted))
	}

	rec = ts.do(t, "DELETE", "/staging", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("DeleteBucket after batch delete = %d, want 204", rec.Code)
	}
}

// presignGet builds a presigned GET URL for the seeded credential.
func presignGet(path string, expires int) string {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")
	scope := day + "/" + testRegion + "/s3/aws4_request"

	q := url.Values{}
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", testAccessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprint(expires))
	q.Set("X-Amz-SignedHeaders", "host")

	canonical := strings.Join([]string{
		"GET",
		path,
		signQuery(q),
		"host:example.com",
		"",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonical))

	key := hmac256([]byte("AWS4"+testSecretKey), day)
	key = hmac256(key, testRegion)
	key = hmac256(key, "s3")
	key = hmac256(key, "aws4_request")
	q.Set("X-Amz-Signature", hex.EncodeToString(hmac256(key, stringToSign)))

	return path + "?" + q.Encode()
}

func TestPresignedGet(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, "PUT", "/shared", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d", rec.Code)
	}
	if rec := ts.do(t, "PUT", "/shared/report.txt", []byte("q3 numbers")); rec.Code != http.StatusOK {
		t.Fatalf("PutObject = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", presignGet("/shared/report.txt", 300), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("presigned GET = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "q3 numbers" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// An expired URL is refused.
	expired := presignGet("/shared/report.txt", 1)
	expired = strings.Replace(expired, "X-Amz-Expires=1", "X-Amz-Expires=0", 1)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", expired, nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("tampered presigned GET = %d, want 403", rec.Code)
	}
}

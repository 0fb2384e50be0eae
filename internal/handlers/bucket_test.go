package handlers

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

func newTestS3(t *testing.T) *S3 {
	t.Helper()

	meta := metadata.NewMemoryStore()
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(meta, store, Options{
		Region:           "us-east-1",
		OwnerID:          "test-owner",
		OwnerDisplayName: "Test Owner",
	})
}

func createBucket(t *testing.T, h *S3, name string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, httptest.NewRequest("PUT", "/"+name, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket(%q) = %d: %s", name, rec.Code, rec.Body.String())
	}
}

func errorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp xmlutil.ErrorResponse
	if err := xml.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Code
}

func TestCreateBucket(t *testing.T) {
	h := newTestS3(t)

	rec := httptest.NewRecorder()
	h.CreateBucket(rec, httptest.NewRequest("PUT", "/my-bucket", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/my-bucket" {
		t.Errorf("Location = %q, want /my-bucket", loc)
	}
}

func TestCreateBucketAlreadyOwnedUsEast1(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	// Recreating an owned bucket succeeds in us-east-1.
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, httptest.NewRequest("PUT", "/my-bucket", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCreateBucketInvalidName(t *testing.T) {
	h := newTestS3(t)

	for _, name := range []string{"UPPER", "ab", "my_bucket", "192.168.0.1"} {
		rec := httptest.NewRecorder()
		h.CreateBucket(rec, httptest.NewRequest("PUT", "/"+name, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("CreateBucket(%q) = %d, want 400", name, rec.Code)
			continue
		}
		if code := errorCode(t, rec.Body); code != "InvalidBucketName" {
			t.Errorf("CreateBucket(%q) code = %q, want InvalidBucketName", name, code)
		}
	}
}

func TestCreateBucketCannedAndGrantConflict(t *testing.T) {
	h := newTestS3(t)

	req := httptest.NewRequest("PUT", "/my-bucket", nil)
	req.Header.Set("x-amz-acl", "public-read")
	req.Header.Set("X-Amz-Grant-Read", `id="someone"`)
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "InvalidArgument" {
		t.Errorf("code = %q, want InvalidArgument", code)
	}
}

func TestCreateBucketLocationConstraint(t *testing.T) {
	h := newTestS3(t)

	body := strings.NewReader(`<CreateBucketConfiguration><LocationConstraint>eu-west-1</LocationConstraint></CreateBucketConfiguration>`)
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, httptest.NewRequest("PUT", "/eu-bucket", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.GetBucketLocation(rec, httptest.NewRequest("GET", "/eu-bucket?location", nil))
	var result xmlutil.LocationConstraint
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding location: %v", err)
	}
	if result.Location != "eu-west-1" {
		t.Errorf("location = %q, want eu-west-1", result.Location)
	}
}

func TestGetBucketLocationUsEast1IsEmpty(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	rec := httptest.NewRecorder()
	h.GetBucketLocation(rec, httptest.NewRequest("GET", "/my-bucket?location", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result xmlutil.LocationConstraint
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding location: %v", err)
	}
	if result.Location != "" {
		t.Errorf("location = %q, want empty for us-east-1", result.Location)
	}
}

func TestListBuckets(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "bucket-a")
	createBucket(t, h, "bucket-b")

	rec := httptest.NewRecorder()
	h.ListBuckets(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var result xmlutil.ListAllMyBucketsResult
	if err := xml.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(result.Buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(result.Buckets))
	}
	if result.Owner.ID != "test-owner" {
		t.Errorf("owner = %q, want test-owner", result.Owner.ID)
	}
}

func TestDeleteBucket(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "doomed")

	rec := httptest.NewRecorder()
	h.DeleteBucket(rec, httptest.NewRequest("DELETE", "/doomed", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.DeleteBucket(rec, httptest.NewRequest("DELETE", "/doomed", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "occupied")
	putObject(t, h, "occupied", "key.txt", "data")

	rec := httptest.NewRecorder()
	h.DeleteBucket(rec, httptest.NewRequest("DELETE", "/occupied", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "BucketNotEmpty" {
		t.Errorf("code = %q, want BucketNotEmpty", code)
	}
}

func TestHeadBucket(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	rec := httptest.NewRecorder()
	h.HeadBucket(rec, httptest.NewRequest("HEAD", "/my-bucket", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if region := rec.Header().Get("x-amz-bucket-region"); region != "us-east-1" {
		t.Errorf("region header = %q, want us-east-1", region)
	}

	rec = httptest.NewRecorder()
	h.HeadBucket(rec, httptest.NewRequest("HEAD", "/absent", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent bucket status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("HEAD response carried a body")
	}
}

func TestBucketACLRoundTrip(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	// Default is private: a single FULL_CONTROL owner grant.
	rec := httptest.NewRecorder()
	h.GetBucketACL(rec, httptest.NewRequest("GET", "/my-bucket?acl", nil))
	var acp xmlutil.AccessControlPolicy
	if err := xml.NewDecoder(rec.Body).Decode(&acp); err != nil {
		t.Fatalf("decoding acl: %v", err)
	}
	if len(acp.AccessControlList.Grants) != 1 || acp.AccessControlList.Grants[0].Permission != "FULL_CONTROL" {
		t.Errorf("default grants = %+v, want one FULL_CONTROL", acp.AccessControlList.Grants)
	}

	// Switch to public-read via the canned header.
	req := httptest.NewRequest("PUT", "/my-bucket?acl", nil)
	req.Header.Set("x-amz-acl", "public-read")
	rec = httptest.NewRecorder()
	h.PutBucketACL(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutBucketACL status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetBucketACL(rec, httptest.NewRequest("GET", "/my-bucket?acl", nil))
	acp = xmlutil.AccessControlPolicy{}
	if err := xml.NewDecoder(rec.Body).Decode(&acp); err != nil {
		t.Fatalf("decoding acl: %v", err)
	}
	if len(acp.AccessControlList.Grants) != 2 {
		t.Errorf("public-read grants = %d, want 2", len(acp.AccessControlList.Grants))
	}
}

func TestPutBucketACLUnknownCanned(t *testing.T) {
	h := newTestS3(t)
	createBucket(t, h, "my-bucket")

	req := httptest.NewRequest("PUT", "/my-bucket?acl", nil)
	req.Header.Set("x-amz-acl", "no-such-acl")
	rec := httptest.NewRecorder()
	h.PutBucketACL(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTooManyBuckets(t *testing.T) {
	meta := metadata.NewMemoryStore()
	t.Cleanup(func() { meta.Close() })
	store, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	h := New(meta, store, Options{OwnerID: "o", OwnerDisplayName: "o", MaxBuckets: 2})

	createBucket(t, h, "bucket-one")
	createBucket(t, h, "bucket-two")

	rec := httptest.NewRecorder()
	h.CreateBucket(rec, httptest.NewRequest("PUT", "/bucket-three", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body); code != "TooManyBuckets" {
		t.Errorf("code = %q, want TooManyBuckets", code)
	}
}

package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
)

const (
	testAccessKey = "bleepstore"
	testSecretKey = "bleepstore-secret"
	testRegion    = "us-east-1"
)

// testServer bundles the handler chain with a signer for the seeded
// credential.
type testServer struct {
	handler http.Handler
	meta    metadata.MetadataStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	meta := metadata.NewMemoryStore()
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewMemoryBackend(0, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := meta.PutCredential(context.Background(), &metadata.CredentialRecord{
		AccessKeyID: testAccessKey,
		SecretKey:   testSecretKey,
		OwnerID:     testAccessKey,
		DisplayName: testAccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.Region = testRegion
	cfg.Auth.AccessKey = testAccessKey

	srv := New(cfg, meta, store)
	return &testServer{handler: srv.Handler(), meta: meta}
}

func hmac256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// signQuery builds the sorted canonical query string.
func signQuery(values url.Values) string {
	var pairs []string
	for key, vals := range values {
		for _, val := range vals {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(val))
		}
		if len(vals) == 0 {
			pairs = append(pairs, url.QueryEscape(key)+"=")
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// sign adds a SigV4 Authorization header for the seeded credential.
func sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")

	payloadHash := sha256Hex(body)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if host == "" {
		host = "example.com"
		req.Host = host
	}

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		signQuery(req.URL.Query()),
		"host:" + host,
		"x-amz-content-sha256:" + payloadHash,
		"x-amz-date:" + amzDate,
		"",
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := day + "/" + testRegion + "/s3/aws4_request"
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonical))

	key := hmac256([]byte("AWS4"+testSecretKey), day)
	key = hmac256(key, testRegion)
	key = hmac256(key, "s3")
	key = hmac256(key, "aws4_request")
	signature := hex.EncodeToString(hmac256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		testAccessKey, scope, signedHeaders, signature))
}

// do runs one signed request through the full handler chain.
func (ts *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	sign(req, body)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status"`) {
		t.Errorf("health body = %q, want JSON status", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("HEAD", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health = %d, want 200", rec.Code)
	}
}

func TestMetricsOpenWithoutAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bleepstore_http_requests_total") {
		t.Error("scrape output missing request counter")
	}
}

func TestUnsignedRequestDenied(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unsigned GET / = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AccessDenied") {
		t.Errorf("body = %q, want AccessDenied", rec.Body.String())
	}
}

func TestBadSignatureRejected(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	sign(req, nil)
	auth := req.Header.Get("Authorization")
	req.Header.Set("Authorization", auth[:len(auth)-4]+"beef")

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SignatureDoesNotMatch") {
		t.Errorf("body = %q, want SignatureDoesNotMatch", rec.Body.String())
	}
}

func TestSkewedClockRejected(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	sign(req, nil)
	stale := time.Now().UTC().Add(-time.Hour)
	req.Header.Set("X-Amz-Date", stale.Format("20060102T150405Z"))

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RequestTimeTooSkewed") {
		t.Errorf("body = %q, want RequestTimeTooSkewed", rec.Body.String())
	}
}

func TestCommonResponseHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/", nil)
	if rec.Header().Get("x-amz-request-id") == "" {
		t.Error("missing x-amz-request-id")
	}
	if rec.Header().Get("x-amz-id-2") == "" {
		t.Error("missing x-amz-id-2")
	}
	if got := rec.Header().Get("Server"); got != "BleepStore" {
		t.Errorf("Server header = %q", got)
	}
}

func TestUnknownMethodNotImplemented(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "PATCH", "/my-bucket/key", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NotImplemented") {
		t.Errorf("body = %q, want NotImplemented", rec.Body.String())
	}
}

func TestBadTransferEncodingRejected(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("PUT", "/my-bucket/key", strings.NewReader("data"))
	req.TransferEncoding = []string{"identity"}
	sign(req, []byte("data"))

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "InvalidRequest") {
		t.Errorf("body = %q, want InvalidRequest", rec.Body.String())
	}
}

func TestMetaHeadersLowercaseOnWire(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, "PUT", "/meta-bucket", nil); rec.Code != http.StatusOK {
		t.Fatalf("CreateBucket = %d", rec.Code)
	}

	req := httptest.NewRequest("PUT", "/meta-bucket/key", strings.NewReader("v"))
	req.Header.Set("x-amz-meta-author", "someone")
	sign(req, []byte("v"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, "GET", "/meta-bucket/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject = %d", rec.Code)
	}
	// The rewriter must leave only the lowercase form in the header map.
	if _, ok := rec.Header()["x-amz-meta-author"]; !ok {
		t.Errorf("lowercase meta header missing; headers = %v", rec.Header())
	}
	if _, ok := rec.Header()["X-Amz-Meta-Author"]; ok {
		t.Error("canonicalized meta header leaked to the wire")
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path        string
		bucket, key string
	}{
		{"/", "", ""},
		{"/my-bucket", "my-bucket", ""},
		{"/my-bucket/key", "my-bucket", "key"},
		{"/my-bucket/a/b/c.txt", "my-bucket", "a/b/c.txt"},
	}
	for _, tt := range tests {
		bucket, key := splitPath(tt.path)
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("splitPath(%q) = (%q, %q), want (%q, %q)", tt.path, bucket, key, tt.bucket, tt.key)
		}
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func middlewareHandler(t *testing.T) (http.Handler, *string) {
	t.Helper()
	v := newTestVerifier(t)
	var seenOwner string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOwner, _ = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(v)(next), &seenOwner
}

func TestMiddlewarePassesOpenPaths(t *testing.T) {
	h, _ := middlewareHandler(t)
	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/docs", "/docs/index.html"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without auth", path, rec.Code)
		}
	}
}

func TestMiddlewareRejectsUnsigned(t *testing.T) {
	h, _ := middlewareHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/photos/pic.jpg", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>AccessDenied</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMiddlewareSetsOwner(t *testing.T) {
	h, seenOwner := middlewareHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(http.MethodGet, "/photos/pic.jpg", nil, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if *seenOwner != "owner-1" {
		t.Errorf("owner from context = %q, want owner-1", *seenOwner)
	}
}

func TestMiddlewareRejectsAmbiguousAuth(t *testing.T) {
	h, _ := middlewareHandler(t)
	r := signedRequest(http.MethodGet, "/photos/pic.jpg?X-Amz-Algorithm="+algorithm, nil, time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>InvalidArgument</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMiddlewareMapsSignatureMismatch(t *testing.T) {
	h, _ := middlewareHandler(t)
	r := signedRequest(http.MethodGet, "/photos/pic.jpg", nil, time.Now())
	auth := r.Header.Get("Authorization")
	r.Header.Set("Authorization", auth[:len(auth)-4]+"0000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>SignatureDoesNotMatch</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

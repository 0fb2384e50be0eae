// Package server wires the S3 surface, health and docs endpoints, and the
// metrics scrape point onto one HTTP listener.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/config"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/handlers"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// Server hosts the S3-compatible API next to the operational endpoints
// (/health, /metrics, /docs, /openapi.json).
type Server struct {
	cfg        *config.Config
	router     chi.Router
	s3         *handlers.S3
	verifier   *auth.Verifier
	httpServer *http.Server
}

// HealthOutput is the health check response.
type HealthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok" doc:"Health status"`
	}
}

// New builds a Server over the given metadata store and storage backend.
func New(cfg *config.Config, meta metadata.MetadataStore, store storage.Backend) *Server {
	router := chi.NewMux()
	router.Use(middleware.Recoverer)

	humaConfig := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:      cfg,
		router:   router,
		verifier: auth.NewVerifier(meta, cfg.Server.Region),
		s3: handlers.New(meta, store, handlers.Options{
			Region:           cfg.Server.Region,
			OwnerID:          cfg.Auth.AccessKey,
			OwnerDisplayName: cfg.Auth.AccessKey,
			MaxObjectSize:    cfg.Server.MaxObjectSize,
		}),
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
	// Huma registers one method per operation; HEAD probes need their own route.
	router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	router.Handle("/metrics", metrics.Handler())

	// Everything else is the S3 surface. Chi prefers the specific routes
	// above over the catch-all.
	router.HandleFunc("/*", s.dispatch)

	return s
}

// Handler returns the full middleware chain around the router. The metadata
// header rewriter sits innermost so it sees the final response headers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = lowercaseMetaHeaders(h)
	h = auth.Middleware(s.verifier)(h)
	h = rejectBadTransferEncoding(h)
	h = commonHeaders(h)
	h = instrument(h)
	return h
}

// ListenAndServe blocks serving on addr until the listener fails or
// Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// splitPath separates "/bucket/key/parts" into its bucket and key.
func splitPath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// route resolves a request to its S3 operation name and handler. A nil
// handler means the combination is unsupported.
func (s *Server) route(r *http.Request) (string, http.HandlerFunc) {
	bucket, key := splitPath(r.URL.Path)
	q := r.URL.Query()

	if bucket == "" {
		if r.Method == http.MethodGet {
			return "ListBuckets", s.s3.ListBuckets
		}
		return "", nil
	}

	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				return "UploadPart", s.s3.UploadPart
			case q.Has("acl"):
				return "PutObjectAcl", s.s3.PutObjectACL
			case r.Header.Get("x-amz-copy-source") != "":
				return "CopyObject", s.s3.CopyObject
			default:
				return "PutObject", s.s3.PutObject
			}
		case http.MethodGet:
			switch {
			case q.Has("acl"):
				return "GetObjectAcl", s.s3.GetObjectACL
			case q.Has("uploadId"):
				return "ListParts", s.s3.ListParts
			default:
				return "GetObject", s.s3.GetObject
			}
		case http.MethodHead:
			return "HeadObject", s.s3.HeadObject
		case http.MethodDelete:
			if q.Has("uploadId") {
				return "AbortMultipartUpload", s.s3.AbortMultipartUpload
			}
			return "DeleteObject", s.s3.DeleteObject
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				return "CompleteMultipartUpload", s.s3.CompleteMultipartUpload
			case q.Has("uploads"):
				return "CreateMultipartUpload", s.s3.CreateMultipartUpload
			}
		}
		return "", nil
	}

	switch r.Method {
	case http.MethodPut:
		if q.Has("acl") {
			return "PutBucketAcl", s.s3.PutBucketACL
		}
		return "CreateBucket", s.s3.CreateBucket
	case http.MethodGet:
		switch {
		case q.Has("location"):
			return "GetBucketLocation", s.s3.GetBucketLocation
		case q.Has("acl"):
			return "GetBucketAcl", s.s3.GetBucketACL
		case q.Has("uploads"):
			return "ListMultipartUploads", s.s3.ListMultipartUploads
		case q.Get("list-type") == "2":
			return "ListObjectsV2", s.s3.ListObjectsV2
		default:
			return "ListObjects", s.s3.ListObjects
		}
	case http.MethodHead:
		return "HeadBucket", s.s3.HeadBucket
	case http.MethodDelete:
		return "DeleteBucket", s.s3.DeleteBucket
	case http.MethodPost:
		if q.Has("delete") {
			return "DeleteObjects", s.s3.DeleteObjects
		}
	}
	return "", nil
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	op, fn := s.route(r)
	if fn == nil {
		xmlutil.WriteError(w, r, s3err.ErrNotImplemented)
		return
	}

	rec := &statusWriter{ResponseWriter: w}
	fn(rec, r)
	metrics.ObserveOperation(op, rec.status())
}

package server

import (
	"net/http"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/uid"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// statusWriter captures the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.written += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}

// commonHeaders stamps every response with the S3 service headers. The
// request ID set here is what error bodies echo back as RequestId.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uid.RequestID()
		w.Header().Set("x-amz-request-id", id)
		w.Header().Set("x-amz-id-2", id)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "BleepStore")
		next.ServeHTTP(w, r)
	})
}

// instrument records request count, latency, and payload sizes. The scrape
// endpoint itself is left out.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		path := metrics.NormalizePath(r.URL.Path)
		metrics.RequestsTotal.WithLabelValues(r.Method, path, metrics.StatusLabel(sw.status())).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.RequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if sw.written > 0 {
			metrics.ResponseSize.WithLabelValues(r.Method, path).Observe(float64(sw.written))
			metrics.BytesSentTotal.Add(float64(sw.written))
		}
	})
}

// rejectBadTransferEncoding refuses any Transfer-Encoding other than
// chunked. Go's net/http strips the header itself but records the values
// on the request, so both spots are checked.
func rejectBadTransferEncoding(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			xmlutil.WriteError(w, r, s3err.ErrInvalidRequest)
			return
		}
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				xmlutil.WriteError(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

const metaHeaderPrefix = "X-Amz-Meta-"

// metaHeaderWriter rewrites X-Amz-Meta-* response header keys to lowercase
// just before the header block is flushed. Go canonicalizes header keys on
// Set, but S3 clients expect user metadata keys back exactly as stored.
type metaHeaderWriter struct {
	http.ResponseWriter
	rewritten bool
}

func (mw *metaHeaderWriter) rewrite() {
	if mw.rewritten {
		return
	}
	mw.rewritten = true
	h := mw.ResponseWriter.Header()
	for key, values := range h {
		if strings.HasPrefix(key, metaHeaderPrefix) {
			delete(h, key)
			h[strings.ToLower(key)] = values
		}
	}
}

func (mw *metaHeaderWriter) WriteHeader(code int) {
	mw.rewrite()
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metaHeaderWriter) Write(b []byte) (int, error) {
	mw.rewrite()
	return mw.ResponseWriter.Write(b)
}

func (mw *metaHeaderWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func lowercaseMetaHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&metaHeaderWriter{ResponseWriter: w}, r)
	})
}

package xmlutil

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
)

const xmlDeclaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Write renders v as an XML body with a 200 status.
func Write(w http.ResponseWriter, v any) {
	WriteStatus(w, http.StatusOK, v)
}

// WriteStatus renders v as an XML body with the given status code.
func WriteStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, xmlDeclaration)
	// Body already committed; an encode failure here is unrecoverable and
	// surfaces to the client as truncated XML.
	xml.NewEncoder(w).Encode(v)
}

// WriteError renders the S3 <Error> body for e. The request ID comes from
// the x-amz-request-id header the middleware already set, keeping the body
// and header correlated.
func WriteError(w http.ResponseWriter, r *http.Request, e *s3err.S3Error) {
	WriteErrorResource(w, r, e, r.URL.Path)
}

// WriteErrorResource is WriteError with an explicit Resource element.
func WriteErrorResource(w http.ResponseWriter, _ *http.Request, e *s3err.S3Error, resource string) {
	body := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
	}
	WriteStatus(w, e.Status, body)
}

// FormatTimeS3 renders t in the millisecond-precision ISO 8601 form S3
// uses inside XML bodies.
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP renders t as an RFC 7231 HTTP date.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// EncodeKey applies encoding-type=url key encoding when requested.
func EncodeKey(key, encodingType string) string {
	if encodingType != "url" {
		return key
	}
	return url.QueryEscape(key)
}

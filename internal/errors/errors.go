// Package errors defines the S3 error taxonomy: every API failure maps to a
// stable error code, an HTTP status, and an XML error body.
package errors

import (
	"fmt"
	"net/http"
)

// S3Error is an API-level error. Handlers return these; the XML renderer
// turns them into the standard <Error> response body.
type S3Error struct {
	Code    string
	Message string
	Status  int
	// Extra carries additional elements for the XML body (e.g. Resource).
	Extra map[string]string
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// WithMessage returns a copy of the error with a different message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// WithExtra returns a copy of the error with an extra XML field attached.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.Extra = make(map[string]string, len(e.Extra)+1)
	for k, v := range e.Extra {
		cp.Extra[k] = v
	}
	cp.Extra[key] = value
	return &cp
}

func define(code string, status int, message string) *S3Error {
	return &S3Error{Code: code, Message: message, Status: status}
}

var (
	ErrAccessDenied          = define("AccessDenied", http.StatusForbidden, "Access Denied")
	ErrInvalidAccessKeyId    = define("InvalidAccessKeyId", http.StatusForbidden, "The AWS Access Key Id you provided does not exist in our records")
	ErrSignatureDoesNotMatch = define("SignatureDoesNotMatch", http.StatusForbidden, "The request signature we calculated does not match the signature you provided")
	ErrRequestTimeTooSkewed  = define("RequestTimeTooSkewed", http.StatusForbidden, "The difference between the request time and the server's time is too large")

	ErrNoSuchBucket = define("NoSuchBucket", http.StatusNotFound, "The specified bucket does not exist")
	ErrNoSuchKey    = define("NoSuchKey", http.StatusNotFound, "The specified key does not exist")
	ErrNoSuchUpload = define("NoSuchUpload", http.StatusNotFound, "The specified multipart upload does not exist")

	ErrBucketAlreadyExists     = define("BucketAlreadyExists", http.StatusConflict, "The requested bucket name is not available")
	ErrBucketAlreadyOwnedByYou = define("BucketAlreadyOwnedByYou", http.StatusConflict, "Your previous request to create the named bucket succeeded and you already own it")
	ErrBucketNotEmpty          = define("BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty")

	ErrInvalidBucketName         = define("InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid")
	ErrInvalidArgument           = define("InvalidArgument", http.StatusBadRequest, "Invalid Argument")
	ErrInvalidPart               = define("InvalidPart", http.StatusBadRequest, "One or more of the specified parts could not be found")
	ErrInvalidPartOrder          = define("InvalidPartOrder", http.StatusBadRequest, "The list of parts was not in ascending order")
	ErrEntityTooSmall            = define("EntityTooSmall", http.StatusBadRequest, "Your proposed upload is smaller than the minimum allowed object size")
	ErrEntityTooLarge            = define("EntityTooLarge", http.StatusBadRequest, "Your proposed upload exceeds the maximum allowed object size")
	ErrKeyTooLongError           = define("KeyTooLongError", http.StatusBadRequest, "Your key is too long")
	ErrMalformedXML              = define("MalformedXML", http.StatusBadRequest, "The XML you provided was not well-formed or did not validate")
	ErrMalformedACLError         = define("MalformedACLError", http.StatusBadRequest, "The XML you provided for the ACL is not well-formed or did not validate")
	ErrBadDigest                 = define("BadDigest", http.StatusBadRequest, "The Content-MD5 you specified did not match what we received")
	ErrInvalidDigest             = define("InvalidDigest", http.StatusBadRequest, "The Content-MD5 you specified is not valid")
	ErrIncompleteBody            = define("IncompleteBody", http.StatusBadRequest, "You did not provide the number of bytes specified by the Content-Length HTTP header")
	ErrInvalidRequest            = define("InvalidRequest", http.StatusBadRequest, "Invalid Request")
	ErrInvalidLocationConstraint = define("InvalidLocationConstraint", http.StatusBadRequest, "The specified location constraint is not valid")
	ErrMissingRequestBodyError   = define("MissingRequestBodyError", http.StatusBadRequest, "Request body is empty")
	ErrTooManyBuckets            = define("TooManyBuckets", http.StatusBadRequest, "You have attempted to create more buckets than allowed")
	ErrRequestTimeout            = define("RequestTimeout", http.StatusBadRequest, "Your socket connection to the server was not read from or written to within the timeout period")

	ErrMissingContentLength = define("MissingContentLength", http.StatusLengthRequired, "You must provide the Content-Length HTTP header")
	ErrPreconditionFailed   = define("PreconditionFailed", http.StatusPreconditionFailed, "At least one of the pre-conditions you specified did not hold")
	ErrInvalidRange         = define("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "The requested range is not satisfiable")
	ErrMethodNotAllowed     = define("MethodNotAllowed", http.StatusMethodNotAllowed, "The specified method is not allowed against this resource")
	ErrNotImplemented       = define("NotImplemented", http.StatusNotImplemented, "A header you provided implies functionality that is not implemented")
	ErrInternalError        = define("InternalError", http.StatusInternalServerError, "We encountered an internal error. Please try again.")
	ErrServiceUnavailable   = define("ServiceUnavailable", http.StatusServiceUnavailable, "Service is not available. Please retry.")
)

package auth

import (
	"context"
	"net/http"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

type contextKey int

const (
	ownerIDKey contextKey = iota
	ownerDisplayKey
)

// OwnerFromContext returns the authenticated owner identity set by the
// middleware, or empty strings on an unauthenticated path.
func OwnerFromContext(ctx context.Context) (ownerID, displayName string) {
	ownerID, _ = ctx.Value(ownerIDKey).(string)
	displayName, _ = ctx.Value(ownerDisplayKey).(string)
	return
}

func withOwner(ctx context.Context, ownerID, displayName string) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	return context.WithValue(ctx, ownerDisplayKey, displayName)
}

// Operational endpoints stay open; everything else must sign.
var openPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/openapi":      true,
	"/openapi.json": true,
}

// Middleware enforces SigV4 on every request outside the open paths,
// and stamps the owner identity onto the request context on success.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if openPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			cred, err := verifyByMethod(verifier, r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), cred.OwnerID, cred.DisplayName)))
		})
	}
}

func verifyByMethod(verifier *Verifier, r *http.Request) (*metadata.CredentialRecord, error) {
	switch DetectMethod(r) {
	case MethodAmbiguous:
		return nil, &AuthError{
			Code:    "InvalidArgument",
			Message: "Only one auth mechanism allowed; found both Authorization header and query string parameters",
		}
	case MethodHeader:
		return verifier.VerifyRequest(r)
	case MethodPresigned:
		return verifier.VerifyPresigned(r)
	default:
		return nil, &AuthError{Code: "AccessDenied", Message: "Access Denied"}
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteError(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteError(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteError(w, r, s3err.ErrRequestTimeTooSkewed)
	case "InvalidArgument":
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage(authErr.Message))
	case "InternalError":
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
	default:
		xmlutil.WriteError(w, r, s3err.ErrAccessDenied)
	}
}

// Package auth verifies AWS Signature Version 4 on incoming requests,
// in both Authorization-header and presigned-URL forms.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bleepstore/bleepstore/internal/metadata"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// SHA-256 of the empty string, used when a request has no body and no
	// x-amz-content-sha256 header.
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// Presigned URLs may live between one second and seven days.
	maxPresignExpiry = 604800

	clockSkewTolerance = 15 * time.Minute

	amzDateFormat  = "20060102T150405Z"
	amzDateDayOnly = "20060102"
)

const (
	signingKeyTTL   = 24 * time.Hour
	credentialTTL   = 60 * time.Second
	maxCacheEntries = 1000
)

// ttlCache is a small expiring map. When full it is cleared wholesale;
// both uses here repopulate cheaply.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, entries: make(map[string]ttlEntry[V])}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCacheEntries {
		c.entries = make(map[string]ttlEntry[V])
	}
	c.entries[key] = ttlEntry[V]{value: value, expires: time.Now().Add(c.ttl)}
}

// AuthError carries an S3 error code for a failed verification.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Code + ": " + e.Message }

func denied(format string, args ...any) *AuthError {
	return &AuthError{Code: "AccessDenied", Message: fmt.Sprintf(format, args...)}
}

// Verifier checks request signatures against credentials in the
// metadata store. Derived signing keys and credential lookups are
// cached; signing keys are valid for a calendar day upstream, so a
// generous TTL is safe.
type Verifier struct {
	store  metadata.MetadataStore
	region string

	signingKeys *ttlCache[[]byte]
	credentials *ttlCache[*metadata.CredentialRecord]
}

// NewVerifier builds a Verifier reading credentials from store.
func NewVerifier(store metadata.MetadataStore, region string) *Verifier {
	return &Verifier{
		store:       store,
		region:      region,
		signingKeys: newTTLCache[[]byte](signingKeyTTL),
		credentials: newTTLCache[*metadata.CredentialRecord](credentialTTL),
	}
}

func (v *Verifier) signingKey(secretKey, day, region, service string) []byte {
	cacheKey := secretKey + "\x00" + day + "\x00" + region + "\x00" + service
	if key, ok := v.signingKeys.get(cacheKey); ok {
		return key
	}
	key := deriveSigningKey(secretKey, day, region, service)
	v.signingKeys.put(cacheKey, key)
	return key
}

func (v *Verifier) credential(ctx context.Context, accessKeyID string) (*metadata.CredentialRecord, error) {
	if cred, ok := v.credentials.get(accessKeyID); ok {
		return cred, nil
	}
	cred, err := v.store.GetCredential(ctx, accessKeyID)
	if err != nil {
		return nil, err
	}
	v.credentials.put(accessKeyID, cred)
	return cred, nil
}

// credentialScope is the parsed AKID/date/region/service/aws4_request
// string from either the Authorization header or X-Amz-Credential.
type credentialScope struct {
	AccessKeyID string
	Day         string
	Region      string
	Service     string
}

func (s credentialScope) String() string {
	return s.Day + "/" + s.Region + "/" + s.Service + "/" + scopeTerminator
}

func parseCredentialScope(credential string) (credentialScope, error) {
	parts := strings.SplitN(credential, "/", 5)
	if len(parts) != 5 || parts[4] != scopeTerminator {
		return credentialScope{}, fmt.Errorf("malformed credential %q", credential)
	}
	return credentialScope{
		AccessKeyID: parts[0],
		Day:         parts[1],
		Region:      parts[2],
		Service:     parts[3],
	}, nil
}

// headerAuth is the parsed Authorization header.
type headerAuth struct {
	Scope         credentialScope
	SignedHeaders []string
	Signature     string
}

func parseAuthorizationHeader(header string) (*headerAuth, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm")
	}

	fields := make(map[string]string)
	for _, field := range strings.Split(rest, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(field), "=")
		if found {
			fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	for _, required := range []string{"Credential", "SignedHeaders", "Signature"} {
		if fields[required] == "" {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	scope, err := parseCredentialScope(fields["Credential"])
	if err != nil {
		return nil, err
	}
	return &headerAuth{
		Scope:         scope,
		SignedHeaders: strings.Split(fields["SignedHeaders"], ";"),
		Signature:     fields["Signature"],
	}, nil
}

// lookupActive fetches the credential and rejects unknown or disabled
// keys.
func (v *Verifier) lookupActive(ctx context.Context, accessKeyID string) (*metadata.CredentialRecord, *AuthError) {
	cred, err := v.credential(ctx, accessKeyID)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "credential lookup failed"}
	}
	if cred == nil || !cred.Active {
		return nil, &AuthError{
			Code:    "InvalidAccessKeyId",
			Message: "The AWS Access Key Id you provided does not exist in our records",
		}
	}
	return cred, nil
}

// checkSignature recomputes the signature over the canonical request
// and compares in constant time.
func (v *Verifier) checkSignature(secretKey, amzDate string, scope credentialScope, canonicalRequest, given string) *AuthError {
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := algorithm + "\n" + amzDate + "\n" + scope.String() + "\n" + hex.EncodeToString(hash[:])

	key := v.signingKey(secretKey, scope.Day, scope.Region, scope.Service)
	want := hex.EncodeToString(hmacSHA256(key, stringToSign))

	if subtle.ConstantTimeCompare([]byte(want), []byte(given)) != 1 {
		return &AuthError{
			Code:    "SignatureDoesNotMatch",
			Message: "The request signature we calculated does not match the signature you provided",
		}
	}
	return nil
}

// VerifyRequest validates Authorization-header auth and returns the
// matched credential.
func (v *Verifier) VerifyRequest(r *http.Request) (*metadata.CredentialRecord, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, denied("Missing Authorization header")
	}
	parsed, err := parseAuthorizationHeader(header)
	if err != nil {
		return nil, denied("Invalid Authorization header: %v", err)
	}

	cred, authErr := v.lookupActive(r.Context(), parsed.Scope.AccessKeyID)
	if authErr != nil {
		return nil, authErr
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, denied("Missing X-Amz-Date or Date header")
	}
	requestTime, perr := time.Parse(amzDateFormat, amzDate)
	if perr != nil {
		if requestTime, perr = time.Parse(time.RFC1123, amzDate); perr != nil {
			return nil, denied("Invalid date format")
		}
	}

	if skew := time.Since(requestTime.UTC()); skew > clockSkewTolerance || skew < -clockSkewTolerance {
		return nil, &AuthError{
			Code:    "RequestTimeTooSkewed",
			Message: "The difference between the request time and the server's time is too large",
		}
	}
	if len(amzDate) < 8 || parsed.Scope.Day != amzDate[:8] {
		return nil, &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	// Clients that sign the payload without sending the hash header
	// (plain SigV4 rather than the S3 flavor) still hashed the body into
	// their canonical request. Reconstruct that hash here.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		if r.Body != nil {
			body, rerr := io.ReadAll(r.Body)
			if rerr != nil {
				return nil, &AuthError{Code: "InternalError", Message: "failed to read request body"}
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))
		} else {
			r.Header.Set("X-Amz-Content-Sha256", emptyPayloadHash)
		}
	}

	canonical := canonicalRequest(r, parsed.SignedHeaders, r.URL.Query(), r.Header.Get("X-Amz-Content-Sha256"))
	if authErr := v.checkSignature(cred.SecretKey, amzDate, parsed.Scope, canonical, parsed.Signature); authErr != nil {
		return nil, authErr
	}
	return cred, nil
}

// VerifyPresigned validates presigned-URL auth and returns the matched
// credential.
func (v *Verifier) VerifyPresigned(r *http.Request) (*metadata.CredentialRecord, error) {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != algorithm {
		return nil, denied("Unsupported signing algorithm")
	}
	scope, err := parseCredentialScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, denied("Invalid X-Amz-Credential: %v", err)
	}
	for _, required := range []string{"X-Amz-Date", "X-Amz-Expires", "X-Amz-SignedHeaders", "X-Amz-Signature"} {
		if q.Get(required) == "" {
			return nil, denied("Missing %s", required)
		}
	}

	expires, perr := strconv.Atoi(q.Get("X-Amz-Expires"))
	if perr != nil || expires < 1 || expires > maxPresignExpiry {
		return nil, denied("Invalid X-Amz-Expires value: %s", q.Get("X-Amz-Expires"))
	}

	amzDate := q.Get("X-Amz-Date")
	requestTime, perr := time.Parse(amzDateFormat, amzDate)
	if perr != nil {
		return nil, denied("Invalid X-Amz-Date format")
	}
	if time.Now().UTC().After(requestTime.Add(time.Duration(expires) * time.Second)) {
		return nil, denied("Request has expired")
	}
	if scope.Day != amzDate[:8] {
		return nil, &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	cred, authErr := v.lookupActive(r.Context(), scope.AccessKeyID)
	if authErr != nil {
		return nil, authErr
	}

	// The signature itself is excluded from the canonical query, and the
	// payload is always unsigned for presigned URLs.
	canonicalQuery := r.URL.Query()
	canonicalQuery.Del("X-Amz-Signature")
	canonical := canonicalRequest(r, strings.Split(q.Get("X-Amz-SignedHeaders"), ";"), canonicalQuery, unsignedPayload)

	if authErr := v.checkSignature(cred.SecretKey, amzDate, scope, canonical, q.Get("X-Amz-Signature")); authErr != nil {
		return nil, authErr
	}
	return cred, nil
}

// canonicalRequest assembles the SigV4 canonical request string.
func canonicalRequest(r *http.Request, signedHeaders []string, query url.Values, payloadHash string) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(query))
	sb.WriteByte('\n')
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	sb.WriteString(payloadHash)
	return sb.String()
}

// canonicalURI percent-encodes each path segment, leaving slashes as-is.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString sorts and encodes the query. Valueless
// parameters render as "key=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		encoded := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encoded+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, encoded+"="+URIEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			// Go moves the Host header onto r.Host.
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode applies S3's URI encoding: unreserved characters pass
// through, everything else becomes uppercase percent escapes. Slashes
// survive only when encodeSlash is false.
func URIEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			sb.WriteByte(c)
		case c == '/' && !encodeSlash:
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&0x0f])
		}
	}
	return sb.String()
}

func deriveSigningKey(secretKey, day, region, service string) []byte {
	key := hmacSHA256([]byte("AWS4"+secretKey), day)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	return hmacSHA256(key, scopeTerminator)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// Method says how a request is (or isn't) authenticated.
type Method int

const (
	MethodNone Method = iota
	MethodHeader
	MethodPresigned
	// MethodAmbiguous means both header and query auth were supplied.
	MethodAmbiguous
)

// DetectMethod classifies the request's authentication mechanism.
func DetectMethod(r *http.Request) Method {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""
	switch {
	case hasHeader && hasQuery:
		return MethodAmbiguous
	case hasHeader:
		return MethodHeader
	case hasQuery:
		return MethodPresigned
	default:
		return MethodNone
	}
}

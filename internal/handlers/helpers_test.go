package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"my-bucket", false},
		{"my.bucket", false},
		{"mybucket123", false},
		{"a-b", false},
		{"aaa", false},

		{"ab", true},
		{"UPPERCASE", true},
		{"my_bucket", true},
		{"-leading-hyphen", true},
		{"trailing-hyphen-", true},
		{"192.168.0.1", true},
		{"xn--punycode", true},
		{"bucket-s3alias", true},
		{"bucket--ol-s3", true},
		{"double..dot", true},
		{"", true},
		{strings.Repeat("a", 64), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBucketName(tt.name)
			if tt.wantErr && err == nil {
				t.Errorf("validateBucketName(%q) = nil, want error", tt.name)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateBucketName(%q) = %v, want nil", tt.name, err)
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		size       int64
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-4", 100, 0, 4, false},
		{"bytes=5-", 100, 5, 99, false},
		{"bytes=-10", 100, 90, 99, false},
		{"bytes=-200", 100, 0, 99, false}, // suffix longer than object
		{"bytes=0-999", 100, 0, 99, false},
		{"bytes=99-99", 100, 99, 99, false},

		{"bytes=-0", 100, 0, 0, true}, // zero-length suffix
		{"bytes=100-", 100, 0, 0, true}, // start at size
		{"bytes=150-160", 100, 0, 0, true},
		{"bytes=5-2", 100, 0, 0, true},
		{"bytes=0-4,10-14", 100, 0, 0, true}, // multi-range
		{"0-4", 100, 0, 0, true},             // missing prefix
		{"bytes=", 100, 0, 0, true},
		{"bytes=abc-", 100, 0, 0, true},
		{"bytes=0-4", 0, 0, 0, true}, // empty object
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRange(%q, %d) = (%d, %d), want error", tt.header, tt.size, start, end)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRange(%q, %d) error: %v", tt.header, tt.size, err)
			}
			if start != tt.start || end != tt.end {
				t.Errorf("parseRange(%q, %d) = (%d, %d), want (%d, %d)", tt.header, tt.size, start, end, tt.start, tt.end)
			}
		})
	}
}

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		header      string
		bucket, key string
		ok          bool
	}{
		{"/src-bucket/some/key.txt", "src-bucket", "some/key.txt", true},
		{"src-bucket/key", "src-bucket", "key", true},
		{"/src-bucket/with%20space", "src-bucket", "with space", true},
		{"/src-bucket/", "", "", false},
		{"/src-bucket", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := parseCopySource(tt.header)
		if ok != tt.ok || bucket != tt.bucket || key != tt.key {
			t.Errorf("parseCopySource(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.header, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}

func TestParseContentMD5(t *testing.T) {
	hdr := http.Header{}
	if sum, err := parseContentMD5(hdr); sum != nil || err != nil {
		t.Errorf("absent header = (%v, %v), want (nil, nil)", sum, err)
	}

	// MD5("hello") base64-encoded.
	hdr.Set("Content-MD5", "XUFAKrxLKna5cZ2REBfFkg==")
	sum, err := parseContentMD5(hdr)
	if err != nil || len(sum) != 16 {
		t.Errorf("valid header = (%v, %v), want 16-byte digest", sum, err)
	}
	if !digestMatchesETag(sum, `"5d41402abc4b2a76b9719d911017c592"`) {
		t.Error("digestMatchesETag rejected matching digest")
	}

	hdr.Set("Content-MD5", "not-base64!!!")
	if _, err := parseContentMD5(hdr); err == nil {
		t.Error("malformed base64 accepted")
	}

	hdr.Set("Content-MD5", "c2hvcnQ=") // decodes to 5 bytes
	if _, err := parseContentMD5(hdr); err == nil {
		t.Error("wrong-length digest accepted")
	}
}

func TestCheckConditionalHeaders(t *testing.T) {
	etag := `"abc123"`
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := modified.Add(-time.Hour).Format(http.TimeFormat)
	later := modified.Add(time.Hour).Format(http.TimeFormat)

	tests := []struct {
		name       string
		method     string
		headers    map[string]string
		wantStatus int
		wantSkip   bool
	}{
		{"no conditionals", "GET", nil, 0, false},
		{"if-match hit", "GET", map[string]string{"If-Match": `"abc123"`}, 0, false},
		{"if-match wildcard", "GET", map[string]string{"If-Match": "*"}, 0, false},
		{"if-match miss", "GET", map[string]string{"If-Match": `"other"`}, http.StatusPreconditionFailed, true},
		{"if-none-match hit get", "GET", map[string]string{"If-None-Match": `"abc123"`}, http.StatusNotModified, true},
		{"if-none-match hit put", "PUT", map[string]string{"If-None-Match": `"abc123"`}, http.StatusPreconditionFailed, true},
		{"if-none-match miss", "GET", map[string]string{"If-None-Match": `"other"`}, 0, false},
		{"if-modified-since stale", "GET", map[string]string{"If-Modified-Since": later}, http.StatusNotModified, true},
		{"if-modified-since fresh", "GET", map[string]string{"If-Modified-Since": earlier}, 0, false},
		{"if-unmodified-since violated", "GET", map[string]string{"If-Unmodified-Since": earlier}, http.StatusPreconditionFailed, true},
		{"if-unmodified-since held", "GET", map[string]string{"If-Unmodified-Since": later}, 0, false},
		// If-Match wins over If-Unmodified-Since.
		{"if-match overrides unmodified", "GET", map[string]string{
			"If-Match":            `"abc123"`,
			"If-Unmodified-Since": earlier,
		}, 0, false},
		// If-None-Match wins over If-Modified-Since.
		{"if-none-match overrides modified", "GET", map[string]string{
			"If-None-Match":     `"other"`,
			"If-Modified-Since": later,
		}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/b/k", nil)
			for name, value := range tt.headers {
				r.Header.Set(name, value)
			}
			status, skip := checkConditionalHeaders(r, etag, modified)
			if status != tt.wantStatus || skip != tt.wantSkip {
				t.Errorf("got (%d, %v), want (%d, %v)", status, skip, tt.wantStatus, tt.wantSkip)
			}
		})
	}
}

func TestEtagListMatches(t *testing.T) {
	if !etagListMatches("*", `"x"`) {
		t.Error("wildcard should match any ETag")
	}
	if !etagListMatches(`"aaa", "bbb"`, `"bbb"`) {
		t.Error("list member should match")
	}
	if etagListMatches(`"aaa"`, `"bbb"`) {
		t.Error("mismatched ETag accepted")
	}
	if !etagListMatches("aaa", `"aaa"`) {
		t.Error("unquoted candidate should match quoted ETag")
	}
}

func TestUserMetadata(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("X-Amz-Meta-Project", "demo")
	hdr.Set("X-AMZ-META-UPPER", "v")
	hdr.Set("Content-Type", "text/plain")

	meta := userMetadata(hdr)
	if len(meta) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(meta), meta)
	}
	if meta["project"] != "demo" || meta["upper"] != "v" {
		t.Errorf("unexpected metadata: %v", meta)
	}

	if m := userMetadata(http.Header{}); m != nil {
		t.Errorf("empty headers yielded %v, want nil", m)
	}
}

func TestParseGrantHeaders(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("X-Amz-Grant-Read", `uri="http://acs.amazonaws.com/groups/global/AllUsers", id="other-account"`)
	hdr.Set("X-Amz-Grant-Full-Control", `id="owner-account"`)

	acp, err := parseGrantHeaders(hdr, "owner", "owner")
	if err != nil {
		t.Fatalf("parseGrantHeaders error: %v", err)
	}
	if got := len(acp.AccessControlList.Grants); got != 3 {
		t.Fatalf("got %d grants, want 3", got)
	}

	hdr = http.Header{}
	hdr.Set("X-Amz-Grant-Read", "garbage-entry")
	if _, err := parseGrantHeaders(hdr, "owner", "owner"); err == nil {
		t.Error("malformed grant entry accepted")
	}
}

func TestCannedACL(t *testing.T) {
	acp, ok := cannedACL("public-read", "owner", "Owner")
	if !ok {
		t.Fatal("public-read rejected")
	}
	grants := acp.AccessControlList.Grants
	if len(grants) != 2 || grants[1].Grantee.URI != allUsersGroupURI || grants[1].Permission != "READ" {
		t.Errorf("unexpected public-read grants: %+v", grants)
	}

	if _, ok := cannedACL("no-such-acl", "owner", "Owner"); ok {
		t.Error("unknown canned ACL accepted")
	}
}

package xmlutil

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
)

func TestWriteStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteStatus(rec, http.StatusCreated, LocationConstraint{Location: "us-east-1"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Errorf("missing XML declaration: %s", body)
	}
	if !strings.Contains(body, ">us-east-1</LocationConstraint>") {
		t.Errorf("body = %s", body)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("x-amz-request-id", "REQ123")
	r := httptest.NewRequest(http.MethodGet, "/photos/missing.txt", nil)

	WriteError(rec, r, s3err.ErrNoSuchKey)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var parsed ErrorResponse
	if err := xml.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshalling error body: %v", err)
	}
	if parsed.Code != "NoSuchKey" {
		t.Errorf("Code = %q", parsed.Code)
	}
	if parsed.Resource != "/photos/missing.txt" {
		t.Errorf("Resource = %q", parsed.Resource)
	}
	if parsed.RequestID != "REQ123" {
		t.Errorf("RequestId = %q", parsed.RequestID)
	}
}

func TestGranteeMarshalXsiType(t *testing.T) {
	policy := AccessControlPolicy{
		Owner: Owner{ID: "owner-1", DisplayName: "owner-1"},
		AccessControlList: ACL{Grants: []Grant{
			{
				Grantee:    Grantee{Type: "CanonicalUser", ID: "owner-1", DisplayName: "owner-1"},
				Permission: "FULL_CONTROL",
			},
			{
				Grantee:    Grantee{Type: "Group", URI: "http://acs.amazonaws.com/groups/global/AllUsers"},
				Permission: "READ",
			},
		}},
	}
	out, err := xml.Marshal(policy)
	if err != nil {
		t.Fatalf("marshalling policy: %v", err)
	}
	body := string(out)
	if !strings.Contains(body, `xsi:type="CanonicalUser"`) || !strings.Contains(body, `xsi:type="Group"`) {
		t.Errorf("xsi:type attributes missing: %s", body)
	}
	if !strings.Contains(body, `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`) {
		t.Errorf("xsi namespace missing: %s", body)
	}
	if !strings.Contains(body, "<URI>http://acs.amazonaws.com/groups/global/AllUsers</URI>") {
		t.Errorf("group URI missing: %s", body)
	}

	var back AccessControlPolicy
	if err := xml.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshalling policy: %v", err)
	}
	if len(back.AccessControlList.Grants) != 2 {
		t.Fatalf("grants = %d, want 2", len(back.AccessControlList.Grants))
	}
	if back.AccessControlList.Grants[0].Grantee.Type != "CanonicalUser" {
		t.Errorf("grantee type = %q", back.AccessControlList.Grants[0].Grantee.Type)
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 30, 0, 120_000_000, time.UTC)
	if got := FormatTimeS3(ts); got != "2026-08-24T10:30:00.120Z" {
		t.Errorf("FormatTimeS3 = %q", got)
	}
	if got := FormatTimeHTTP(ts); got != "Mon, 24 Aug 2026 10:30:00 GMT" {
		t.Errorf("FormatTimeHTTP = %q", got)
	}
}

func TestEncodeKey(t *testing.T) {
	if got := EncodeKey("docs/a b.txt", "url"); got != "docs%2Fa+b.txt" {
		t.Errorf("EncodeKey url = %q", got)
	}
	if got := EncodeKey("docs/a b.txt", ""); got != "docs/a b.txt" {
		t.Errorf("EncodeKey plain = %q", got)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

const (
	allUsersGroupURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedUsersGroupURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

// grantHeaders maps x-amz-grant-* headers to their permission strings.
var grantHeaders = map[string]string{
	"X-Amz-Grant-Full-Control": "FULL_CONTROL",
	"X-Amz-Grant-Read":         "READ",
	"X-Amz-Grant-Read-Acp":     "READ_ACP",
	"X-Amz-Grant-Write":        "WRITE",
	"X-Amz-Grant-Write-Acp":    "WRITE_ACP",
}

func hasGrantHeaders(hdr http.Header) bool {
	for name := range grantHeaders {
		if hdr.Get(name) != "" {
			return true
		}
	}
	return false
}

func ownerGrant(ownerID, display string) xmlutil.Grant {
	return xmlutil.Grant{
		Grantee: xmlutil.Grantee{
			Type:        "CanonicalUser",
			ID:          ownerID,
			DisplayName: display,
		},
		Permission: "FULL_CONTROL",
	}
}

func groupGrant(uri, permission string) xmlutil.Grant {
	return xmlutil.Grant{
		Grantee:    xmlutil.Grantee{Type: "Group", URI: uri},
		Permission: permission,
	}
}

// cannedACL expands a canned ACL name into its grant list. Unknown
// names are rejected so typos do not silently become private ACLs.
func cannedACL(name, ownerID, display string) (*xmlutil.AccessControlPolicy, bool) {
	owner := ownerGrant(ownerID, display)
	var grants []xmlutil.Grant
	switch name {
	case "", "private":
		grants = []xmlutil.Grant{owner}
	case "public-read":
		grants = []xmlutil.Grant{owner, groupGrant(allUsersGroupURI, "READ")}
	case "public-read-write":
		grants = []xmlutil.Grant{
			owner,
			groupGrant(allUsersGroupURI, "READ"),
			groupGrant(allUsersGroupURI, "WRITE"),
		}
	case "authenticated-read":
		grants = []xmlutil.Grant{owner, groupGrant(authenticatedUsersGroupURI, "READ")}
	default:
		return nil, false
	}
	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: display},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}, true
}

// parseGrantHeaders builds an ACL from x-amz-grant-* headers. Each
// header holds comma-separated grantees of the form id="...", uri="...",
// or emailAddress="...". Unrecognized entries are an error.
func parseGrantHeaders(hdr http.Header, ownerID, display string) (*xmlutil.AccessControlPolicy, *s3err.S3Error) {
	var grants []xmlutil.Grant
	for name, permission := range grantHeaders {
		val := hdr.Get(name)
		if val == "" {
			continue
		}
		for _, entry := range strings.Split(val, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			kind, value, found := strings.Cut(entry, "=")
			if !found {
				return nil, s3err.ErrInvalidArgument.WithMessage("Argument format not recognized: " + entry)
			}
			value = strings.Trim(value, `"`)
			grant := xmlutil.Grant{Permission: permission}
			switch kind {
			case "id":
				grant.Grantee = xmlutil.Grantee{Type: "CanonicalUser", ID: value}
			case "uri":
				grant.Grantee = xmlutil.Grantee{Type: "Group", URI: value}
			case "emailAddress":
				grant.Grantee = xmlutil.Grantee{Type: "AmazonCustomerByEmail", ID: value}
			default:
				return nil, s3err.ErrInvalidArgument.WithMessage("Argument format not recognized: " + entry)
			}
			grants = append(grants, grant)
		}
	}
	if len(grants) == 0 {
		return nil, nil
	}
	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: display},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}, nil
}

// aclFromRequest resolves the ACL for a new bucket, object, or upload
// from the x-amz-acl header or x-amz-grant-* headers. The two forms are
// mutually exclusive; absence of both yields the private default.
func aclFromRequest(r *http.Request, ownerID, display string) (json.RawMessage, *s3err.S3Error) {
	canned := r.Header.Get("x-amz-acl")
	explicit := hasGrantHeaders(r.Header)

	if canned != "" && explicit {
		return nil, s3err.ErrInvalidArgument.WithMessage("Specifying both Canned ACLs and Header Grants is not allowed")
	}
	if explicit {
		acp, aclErr := parseGrantHeaders(r.Header, ownerID, display)
		if aclErr != nil {
			return nil, aclErr
		}
		return aclJSON(acp), nil
	}
	acp, ok := cannedACL(canned, ownerID, display)
	if !ok {
		return nil, s3err.ErrInvalidArgument.WithMessage("Unknown canned ACL: " + canned)
	}
	return aclJSON(acp), nil
}

func aclJSON(acp *xmlutil.AccessControlPolicy) json.RawMessage {
	data, _ := json.Marshal(acp)
	return data
}

// decodeACL parses a stored ACL document, returning nil when no usable
// policy was recorded.
func decodeACL(data json.RawMessage) *xmlutil.AccessControlPolicy {
	if len(data) == 0 || string(data) == "{}" || string(data) == "null" {
		return nil
	}
	var acp xmlutil.AccessControlPolicy
	if err := json.Unmarshal(data, &acp); err != nil {
		return nil
	}
	return &acp
}

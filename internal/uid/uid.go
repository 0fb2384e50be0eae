// Package uid generates the identifiers BleepStore hands out: upload IDs,
// temp-file suffixes, and per-request IDs.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// New returns a 32-character lowercase hex identifier.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails in practice; degrade to a timestamp
		// rather than panicking in a request path.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// RequestID returns a 16-character uppercase hex identifier in the shape
// S3 uses for x-amz-request-id.
func RequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016X", time.Now().UnixNano())
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/bleepstore/bleepstore/internal/metadata"
)

// seedDB creates a SQLite metadata database with a bucket, two objects,
// and one credential, and returns its path.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	store, err := metadata.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateBucket(ctx, &metadata.BucketRecord{
		Name:         "pics",
		Region:       "us-east-1",
		OwnerID:      "owner",
		OwnerDisplay: "Owner",
		CreatedAt:    now,
	}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	for _, key := range []string{"a.jpg", "b.jpg"} {
		if err := store.PutObject(ctx, &metadata.ObjectRecord{
			Bucket:       "pics",
			Key:          key,
			Size:         3,
			ETag:         `"900150983cd24fb0d6963f7d28e17f72"`,
			ContentType:  "image/jpeg",
			UserMetadata: map[string]string{"camera": "x100"},
			LastModified: now,
		}); err != nil {
			t.Fatalf("PutObject(%s): %v", key, err)
		}
	}
	if err := store.PutCredential(ctx, &metadata.CredentialRecord{
		AccessKeyID: "AKIAEXAMPLE",
		SecretKey:   "super-secret",
		OwnerID:     "owner",
		DisplayName: "Owner",
		Active:      true,
		CreatedAt:   now,
	}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	return path
}

func TestExportRedactsSecrets(t *testing.T) {
	path := seedDB(t)

	out, err := Export(path, ExportOptions{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if bytes.Contains(out, []byte("super-secret")) {
		t.Error("export leaked a secret key")
	}
	if !bytes.Contains(out, []byte(`"REDACTED"`)) {
		t.Error("export missing redaction marker")
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	envelope, ok := doc["bleepstore_export"].(map[string]any)
	if !ok {
		t.Fatal("missing export envelope")
	}
	if v, _ := envelope["version"].(float64); int(v) != FormatVersion {
		t.Errorf("envelope version = %v, want %d", v, FormatVersion)
	}
	if objects, _ := doc["objects"].([]any); len(objects) != 2 {
		t.Errorf("exported %d objects, want 2", len(doc["objects"].([]any)))
	}
}

func TestExportIncludeCredentials(t *testing.T) {
	path := seedDB(t)

	out, err := Export(path, ExportOptions{IncludeCredentials: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.Contains(out, []byte("super-secret")) {
		t.Error("IncludeCredentials export dropped the secret key")
	}
}

func TestExportIsDeterministic(t *testing.T) {
	path := seedDB(t)

	first, err := Export(path, ExportOptions{})
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	second, err := Export(path, ExportOptions{})
	if err != nil {
		t.Fatalf("second export: %v", err)
	}

	// The timestamp differs; everything else must match line for line.
	strip := func(b []byte) []byte {
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		delete(doc["bleepstore_export"].(map[string]any), "exported_at")
		out, _ := json.Marshal(doc)
		return out
	}
	if !bytes.Equal(strip(first), strip(second)) {
		t.Error("back-to-back exports differ beyond the timestamp")
	}
}

func TestExportTableSubset(t *testing.T) {
	path := seedDB(t)

	out, err := Export(path, ExportOptions{Tables: []string{"buckets"}})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := doc["objects"]; present {
		t.Error("subset export included an unselected table")
	}
	if _, present := doc["buckets"]; !present {
		t.Error("subset export missing the selected table")
	}

	if _, err := Export(path, ExportOptions{Tables: []string{"nope"}}); err == nil {
		t.Error("unknown table name accepted")
	}
}

func TestImportRoundTrip(t *testing.T) {
	src := seedDB(t)
	out, err := Export(src, ExportOptions{IncludeCredentials: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "restored.db")
	dst, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	dst.Close()

	result, err := Import(dstPath, out, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Inserted["buckets"] != 1 || result.Inserted["objects"] != 2 || result.Inserted["credentials"] != 1 {
		t.Errorf("inserted counts = %v", result.Inserted)
	}

	restored, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("reopening restored db: %v", err)
	}
	defer restored.Close()

	obj, err := restored.GetObject(context.Background(), "pics", "a.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if obj == nil {
		t.Fatal("restored object missing")
	}
	if obj.UserMetadata["camera"] != "x100" {
		t.Errorf("user metadata = %v, want camera=x100", obj.UserMetadata)
	}
}

func TestImportSkipsRedactedCredentials(t *testing.T) {
	src := seedDB(t)
	out, err := Export(src, ExportOptions{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "restored.db")
	dst, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	dst.Close()

	result, err := Import(dstPath, out, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Inserted["credentials"] != 0 || result.Skipped["credentials"] != 1 {
		t.Errorf("credentials inserted=%d skipped=%d, want 0/1",
			result.Inserted["credentials"], result.Skipped["credentials"])
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning about the redacted credential")
	}
}

func TestImportReplaceWipesTables(t *testing.T) {
	src := seedDB(t)
	out, err := Export(src, ExportOptions{IncludeCredentials: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	// Destination has its own object that Replace must remove.
	dstPath := filepath.Join(t.TempDir(), "target.db")
	dst, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	if err := dst.CreateBucket(ctx, &metadata.BucketRecord{
		Name: "pics", Region: "us-east-1", OwnerID: "other", OwnerDisplay: "Other", CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if err := dst.PutObject(ctx, &metadata.ObjectRecord{
		Bucket: "pics", Key: "stale.bin", Size: 1, ETag: `"x"`, LastModified: now,
	}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	dst.Close()

	if _, err := Import(dstPath, out, ImportOptions{Replace: true}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	restored, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer restored.Close()

	stale, err := restored.GetObject(context.Background(), "pics", "stale.bin")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if stale != nil {
		t.Error("Replace import kept a pre-existing row")
	}
	count, err := restored.CountObjects(context.Background(), "pics")
	if err != nil {
		t.Fatalf("CountObjects: %v", err)
	}
	if count != 2 {
		t.Errorf("object count = %d, want 2", count)
	}
}

func TestImportRejectsBadVersion(t *testing.T) {
	dstPath := filepath.Join(t.TempDir(), "target.db")
	dst, err := metadata.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	dst.Close()

	doc := []byte(`{"bleepstore_export": {"version": 99}}`)
	if _, err := Import(dstPath, doc, ImportOptions{}); err == nil {
		t.Error("future export version accepted")
	}
	if _, err := Import(dstPath, []byte("not json"), ImportOptions{}); err == nil {
		t.Error("malformed document accepted")
	}
}

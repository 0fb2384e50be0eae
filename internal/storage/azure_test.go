package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// fakeAzureClient is an in-memory stand-in for the upstream container.
type fakeAzureClient struct {
	container string
	blobs     map[string][]byte
	staged    map[string]map[string][]byte

	copySourceURLs []string
}

func newFakeAzureClient(container string) *fakeAzureClient {
	return &fakeAzureClient{
		container: container,
		blobs:     make(map[string][]byte),
		staged:    make(map[string]map[string][]byte),
	}
}

func azureNotFoundErr() error {
	return &azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound), StatusCode: 404}
}

func (f *fakeAzureClient) UploadBlob(ctx context.Context, container, blob string, data []byte) error {
	f.blobs[blob] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAzureClient) DownloadBlob(ctx context.Context, container, blob string) ([]byte, error) {
	data, ok := f.blobs[blob]
	if !ok {
		return nil, azureNotFoundErr()
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeAzureClient) DeleteBlob(ctx context.Context, container, blob string) error {
	if _, ok := f.blobs[blob]; !ok {
		return azureNotFoundErr()
	}
	delete(f.blobs, blob)
	return nil
}

func (f *fakeAzureClient) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	_, ok := f.blobs[blob]
	return ok, nil
}

func (f *fakeAzureClient) BlobSize(ctx context.Context, container, blob string) (int64, error) {
	data, ok := f.blobs[blob]
	if !ok {
		return 0, azureNotFoundErr()
	}
	return int64(len(data)), nil
}

func (f *fakeAzureClient) StartCopyFromURL(ctx context.Context, container, blob, sourceURL string) error {
	f.copySourceURLs = append(f.copySourceURLs, sourceURL)
	idx := strings.LastIndex(sourceURL, "/"+container+"/")
	if idx < 0 {
		return fmt.Errorf("unexpected source URL %q", sourceURL)
	}
	data, ok := f.blobs[sourceURL[idx+len(container)+2:]]
	if !ok {
		return azureNotFoundErr()
	}
	f.blobs[blob] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAzureClient) StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error {
	if f.staged[blob] == nil {
		f.staged[blob] = make(map[string][]byte)
	}
	f.staged[blob][blockID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAzureClient) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error {
	var assembled []byte
	for _, id := range blockIDs {
		data, ok := f.staged[blob][id]
		if !ok {
			return fmt.Errorf("block %q not staged for %q", id, blob)
		}
		assembled = append(assembled, data...)
	}
	f.blobs[blob] = assembled
	delete(f.staged, blob)
	return nil
}

var _ AzureBlobAPI = (*fakeAzureClient)(nil)

const testAzureAccountURL = "https://acct.blob.core.windows.net"

func newTestAzureGateway(prefix string) (*AzureGateway, *fakeAzureClient) {
	fake := newFakeAzureClient("backups")
	return NewAzureGatewayWithClient("backups", testAzureAccountURL, prefix, fake), fake
}

func TestAzureGatewayPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestAzureGateway("bs/")
	payload := []byte("hello azure")

	n, etag, err := g.PutObject(ctx, "photos", "2026/pic.jpg", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("wrote %d bytes, want %d", n, len(payload))
	}
	if want := quotedMD5(payload); etag != want {
		t.Errorf("ETag = %s, want %s", etag, want)
	}
	if _, ok := fake.blobs["bs/photos/2026/pic.jpg"]; !ok {
		t.Error("blob not stored under bs/photos/2026/pic.jpg")
	}

	rc, size, _, err := g.GetObject(ctx, "photos", "2026/pic.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !bytes.Equal(data, payload) || size != int64(len(payload)) {
		t.Errorf("got %q (%d bytes)", data, size)
	}
}

func TestAzureGatewayNotFound(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestAzureGateway("")

	if _, _, _, err := g.GetObject(ctx, "photos", "ghost.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject: err = %v, want ErrNotFound", err)
	}
	if _, err := g.CopyObject(ctx, "photos", "ghost.txt", "photos", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CopyObject: err = %v, want ErrNotFound", err)
	}
	if err := g.DeleteObject(ctx, "photos", "ghost.txt"); err != nil {
		t.Errorf("DeleteObject on missing: %v, want nil", err)
	}
	exists, err := g.ObjectExists(ctx, "photos", "ghost.txt")
	if err != nil || exists {
		t.Errorf("ObjectExists = %v, %v", exists, err)
	}
}

func TestAzureGatewayCopyObject(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestAzureGateway("bs/")
	payload := []byte("server side copy")
	fake.blobs["bs/src/orig.txt"] = payload

	etag, err := g.CopyObject(ctx, "src", "orig.txt", "dst", "copy.txt")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if want := quotedMD5(payload); etag != want {
		t.Errorf("copy ETag = %s, want %s", etag, want)
	}
	if !bytes.Equal(fake.blobs["bs/dst/copy.txt"], payload) {
		t.Error("copied payload missing upstream")
	}
	wantURL := testAzureAccountURL + "/backups/bs/src/orig.txt"
	if len(fake.copySourceURLs) != 1 || fake.copySourceURLs[0] != wantURL {
		t.Errorf("copy source URLs = %v, want [%s]", fake.copySourceURLs, wantURL)
	}
}

func TestAzureGatewayMultipart(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestAzureGateway("")
	p1 := bytes.Repeat([]byte("a"), 64)
	p2 := []byte("tail")

	for pn, data := range map[int][]byte{1: p1, 2: p2} {
		etag, err := g.PutPart(ctx, "photos", "big.bin", "up-1", pn, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("PutPart %d: %v", pn, err)
		}
		if want := quotedMD5(data); etag != want {
			t.Errorf("part %d ETag = %s, want %s", pn, etag, want)
		}
	}
	// Parts are uncommitted blocks, not visible as the blob yet.
	if _, ok := fake.blobs["photos/big.bin"]; ok {
		t.Fatal("blob visible before commit")
	}

	if err := g.AssembleParts(ctx, "photos", "big.bin", "up-1", []int{1, 2}); err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	want := append(append([]byte(nil), p1...), p2...)
	if !bytes.Equal(fake.blobs["photos/big.bin"], want) {
		t.Error("committed payload mismatch upstream")
	}

	// Uncommitted blocks expire upstream on their own.
	if err := g.DeleteParts(ctx, "photos", "big.bin", "up-1"); err != nil {
		t.Errorf("DeleteParts: %v", err)
	}
}

func TestAzureBlockIDsFixedWidth(t *testing.T) {
	a, err := base64.StdEncoding.DecodeString(azureBlockID("up-1", 1))
	if err != nil {
		t.Fatalf("decoding block ID: %v", err)
	}
	b, err := base64.StdEncoding.DecodeString(azureBlockID("up-1", 10000))
	if err != nil {
		t.Fatalf("decoding block ID: %v", err)
	}
	if len(a) != len(b) {
		t.Errorf("block ID lengths differ: %d vs %d", len(a), len(b))
	}
	if azureBlockID("up-1", 1) == azureBlockID("up-2", 1) {
		t.Error("block IDs collide across uploads")
	}
}

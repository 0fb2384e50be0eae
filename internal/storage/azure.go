package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
)

// AzureBlobAPI is the slice of the Azure Blob client the gateway calls.
// Tests substitute a fake.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, container, blob string, data []byte) error
	DownloadBlob(ctx context.Context, container, blob string) ([]byte, error)
	DeleteBlob(ctx context.Context, container, blob string) error
	BlobExists(ctx context.Context, container, blob string) (bool, error)
	BlobSize(ctx context.Context, container, blob string) (int64, error)
	StartCopyFromURL(ctx context.Context, container, blob, sourceURL string) error
	StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error
}

// AzureGateway proxies payloads to one upstream Azure Blob container,
// mapping local buckets to blob name prefixes ({prefix}{bucket}/{key}).
//
// Multipart uses Block Blob primitives directly on the final blob:
// PutPart stages a block, AssembleParts commits the block list, and
// DeleteParts is a no-op because uncommitted blocks expire upstream on
// their own after a week.
type AzureGateway struct {
	container  string
	accountURL string
	prefix     string
	client     AzureBlobAPI
}

// NewAzureGateway builds the SDK client (credentials resolved by
// newAzureBlobClient) and verifies the upstream container responds.
func NewAzureGateway(ctx context.Context, container, account, accountURL, prefix string) (*AzureGateway, error) {
	client, err := newAzureBlobClient(account, accountURL)
	if err != nil {
		return nil, fmt.Errorf("creating azure client: %w", err)
	}
	if accountURL == "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}

	g := &AzureGateway{container: container, accountURL: accountURL, prefix: prefix, client: client}
	if err := g.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("upstream azure container %q unreachable: %w", container, err)
	}
	slog.Info("azure gateway ready", "container", container, "account_url", accountURL, "prefix", prefix)
	return g, nil
}

// NewAzureGatewayWithClient wires a pre-built client, for tests.
func NewAzureGatewayWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGateway {
	return &AzureGateway{container: container, accountURL: accountURL, prefix: prefix, client: client}
}

func (g *AzureGateway) blobName(bucket, key string) string {
	return g.prefix + bucket + "/" + key
}

// azureBlockID builds the base64 block ID for a staged part. Including
// the upload ID keeps concurrent uploads to the same key from colliding,
// and the fixed-width part number keeps all IDs the same length, which
// Azure requires within one blob.
func azureBlockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)))
}

func (g *AzureGateway) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading payload: %w", err)
	}
	sum := md5.Sum(data)
	if err := g.client.UploadBlob(ctx, g.container, g.blobName(bucket, key), data); err != nil {
		return 0, "", fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (g *AzureGateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	name := g.blobName(bucket, key)
	size, err := g.client.BlobSize(ctx, g.container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("reading properties of %s/%s: %w", bucket, key, err)
	}
	data, err := g.client.DownloadBlob(ctx, g.container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("downloading %s/%s: %w", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), size, "", nil
}

func (g *AzureGateway) DeleteObject(ctx context.Context, bucket, key string) error {
	err := g.client.DeleteBlob(ctx, g.container, g.blobName(bucket, key))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *AzureGateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	dst := g.blobName(dstBucket, dstKey)
	sourceURL := fmt.Sprintf("%s/%s/%s", g.accountURL, g.container, g.blobName(srcBucket, srcKey))

	if err := g.client.StartCopyFromURL(ctx, g.container, dst, sourceURL); err != nil {
		if isAzureNotFound(err) {
			return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	return g.hashBlob(ctx, dst)
}

// hashBlob downloads a blob and returns its quoted MD5 ETag. Upstream
// ETags are opaque, so the gateway computes its own after server-side
// copies.
func (g *AzureGateway) hashBlob(ctx context.Context, name string) (string, error) {
	data, err := g.client.DownloadBlob(ctx, g.container, name)
	if err != nil {
		return "", fmt.Errorf("downloading %q for hashing: %w", name, err)
	}
	sum := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (g *AzureGateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	sum := md5.Sum(data)
	if err := g.client.StageBlock(ctx, g.container, g.blobName(bucket, key), azureBlockID(uploadID, partNumber), data); err != nil {
		return "", fmt.Errorf("staging block for part %d: %w", partNumber, err)
	}
	return fmt.Sprintf(`"%x"`, sum[:]), nil
}

// AssembleParts commits the staged blocks in manifest order. The caller
// derives the object's ETag from the part ETags it already holds.
func (g *AzureGateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	name := g.blobName(bucket, key)
	blockIDs := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		blockIDs[i] = azureBlockID(uploadID, pn)
	}
	if err := g.client.CommitBlockList(ctx, g.container, name, blockIDs); err != nil {
		return fmt.Errorf("committing block list: %w", err)
	}
	return nil
}

// Uncommitted blocks are garbage-collected upstream; nothing to delete.
func (g *AzureGateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

// Local buckets are prefixes upstream, so there is nothing to provision.
func (g *AzureGateway) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (g *AzureGateway) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (g *AzureGateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := g.client.BlobExists(ctx, g.container, g.blobName(bucket, key))
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return exists, nil
}

// HealthCheck probes the container with a blob name that cannot exist.
func (g *AzureGateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.BlobExists(ctx, g.container, "\x00probe\x00")
	return err
}

var _ Backend = (*AzureGateway)(nil)

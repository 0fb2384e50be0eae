package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// azureBlobClient adapts the Azure SDK to the AzureBlobAPI surface the
// gateway consumes.
type azureBlobClient struct {
	client *azblob.Client
}

// newAzureBlobClient resolves credentials in this order:
//
//  1. AZURE_STORAGE_CONNECTION_STRING
//  2. AZURE_STORAGE_KEY (shared key; needs the account name)
//  3. AZURE_STORAGE_SAS_TOKEN appended to the account URL
//  4. DefaultAzureCredential (env, managed identity, Azure CLI)
func newAzureBlobClient(account, accountURL string) (*azureBlobClient, error) {
	if cs := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); cs != "" {
		client, err := azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client from connection string: %w", err)
		}
		return &azureBlobClient{client: client}, nil
	}

	if accountURL == "" {
		if account == "" {
			return nil, errors.New("azure backend needs an account name or account URL")
		}
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}

	if key := os.Getenv("AZURE_STORAGE_KEY"); key != "" {
		if account == "" {
			return nil, errors.New("AZURE_STORAGE_KEY set but account name missing")
		}
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, fmt.Errorf("azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client with shared key: %w", err)
		}
		return &azureBlobClient{client: client}, nil
	}

	if sas := os.Getenv("AZURE_STORAGE_SAS_TOKEN"); sas != "" {
		client, err := azblob.NewClientWithNoCredential(accountURL+"?"+sas, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client with SAS token: %w", err)
		}
		return &azureBlobClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure default credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &azureBlobClient{client: client}, nil
}

func (c *azureBlobClient) UploadBlob(ctx context.Context, container, blob string, data []byte) error {
	_, err := c.client.UploadBuffer(ctx, container, blob, data, nil)
	return err
}

func (c *azureBlobClient) DownloadBlob(ctx context.Context, container, blob string) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *azureBlobClient) DeleteBlob(ctx context.Context, container, blob string) error {
	_, err := c.client.DeleteBlob(ctx, container, blob, nil)
	return err
}

func (c *azureBlobClient) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *azureBlobClient) BlobSize(ctx context.Context, container, blob string) (int64, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength == nil {
		return 0, nil
	}
	return *resp.ContentLength, nil
}

func (c *azureBlobClient) StartCopyFromURL(ctx context.Context, container, blob, sourceURL string) error {
	_, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).StartCopyFromURL(ctx, sourceURL, nil)
	return err
}

func (c *azureBlobClient) StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error {
	bb := c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blob)
	_, err := bb.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return err
}

func (c *azureBlobClient) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error {
	bb := c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blob)
	_, err := bb.CommitBlockList(ctx, blockIDs, nil)
	return err
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err,
		bloberror.BlobNotFound,
		bloberror.ContainerNotFound,
		bloberror.ResourceNotFound,
	)
}

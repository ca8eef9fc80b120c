// Package azure implements the Azure Blob Storage media backend. Platforms
// fetch attachments through read-only SAS URLs, or through the CDN when one
// fronts the container.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements storage.Storage for Azure Blob Storage.
type AzureStorage struct {
	client        *azblob.Client
	credential    *azblob.SharedKeyCredential
	containerName string
	accountName   string
	cdnURL        string
}

// New creates the backend from a shared-key account.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		credential:    credential,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
		cdnURL:        cfg.CDNURL,
	}, nil
}

// Upload stores the blob with its content type and checksum metadata.
func (s *AzureStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(path)
	opts := &blockblob.UploadOptions{
		Metadata: map[string]*string{"sha256": &checksum},
	}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts); err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.UploadResult{
		Path:        path,
		Size:        int64(len(data)),
		Checksum:    checksum,
		ContentType: contentType,
	}, nil
}

// Download retrieves a file from Azure Blob Storage
func (s *AzureStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrMediaNotFound, path)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// GetURL returns the CDN URL when configured, otherwise a read-only SAS URL
// valid for ttl.
func (s *AzureStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", storage.ErrMediaNotFound, path)
	}

	if s.cdnURL != "" {
		return fmt.Sprintf("%s/%s", s.cdnURL, path), nil
	}
	return s.sasURL(path, ttl, time.Now().UTC())
}

func (s *AzureStorage) sasURL(path string, ttl time.Duration, now time.Time) (string, error) {
	perms := sas.BlobPermissions{Read: true}
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute), // clock skew
		ExpiryTime:    now.Add(ttl),
		Permissions:   perms.String(),
		ContainerName: s.containerName,
		BlobName:      path,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
		s.accountName, s.containerName, (&url.URL{Path: path}).EscapedPath())
	return blobURL + "?" + params.Encode(), nil
}

// Exists checks if a file exists at the specified path
func (s *AzureStorage) Exists(ctx context.Context, path string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

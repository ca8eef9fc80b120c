// Package gcs implements the Google Cloud Storage media backend. Platforms
// fetch attachments through V4 signed URLs.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/relaypost/relaypost/internal/config"
	appstorage "github.com/relaypost/relaypost/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements storage.Storage for Google Cloud Storage.
type GCSStorage struct {
	client *storage.Client
	bucket string

	// Set when a service account key file is configured, so URLs are signed
	// locally instead of through the IAM signBlob API.
	signerEmail string
	signerKey   []byte
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// New creates the backend. With credentials_file set, the service account
// key authenticates the client and signs URLs; otherwise Application Default
// Credentials are used. An endpoint override targets an emulator without
// authentication.
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	s := &GCSStorage{bucket: cfg.Bucket}
	var opts []option.ClientOption

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		raw, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read gcs credentials file: %w", err)
		}
		var key serviceAccountKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return nil, fmt.Errorf("failed to parse gcs credentials file: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, fmt.Errorf("gcs credentials file must be a service account key")
		}
		s.signerEmail = key.ClientEmail
		s.signerKey = []byte(key.PrivateKey)
		opts = append(opts, option.WithCredentialsJSON(raw))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	s.client = client
	return s, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// Upload stores the object with its content type and checksum metadata.
func (s *GCSStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*appstorage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{"sha256": checksum}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.UploadResult{
		Path:        path,
		Size:        int64(len(data)),
		Checksum:    checksum,
		ContentType: contentType,
	}, nil
}

// Download retrieves a file from GCS
func (s *GCSStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrMediaNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// GetURL returns a V4 signed GET URL valid for ttl.
func (s *GCSStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", appstorage.ErrMediaNotFound, path)
	}
	return s.signedURL(path, ttl, time.Now())
}

func (s *GCSStorage) signedURL(path string, ttl time.Duration, now time.Time) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        now.Add(ttl),
		GoogleAccessID: s.signerEmail,
		PrivateKey:     s.signerKey,
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return u, nil
}

// Exists checks if a file exists at the specified path
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

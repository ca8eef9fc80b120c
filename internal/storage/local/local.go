// Package local implements the filesystem media backend. Objects are served
// back to the platforms by the API under storage.local.public_url, so the
// backend suits single-node deployments only.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStorage implements storage.Storage on a directory tree.
type LocalStorage struct {
	basePath  string
	publicURL string
}

// New creates the backend, creating the base directory if needed.
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:  base,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// BasePath returns the directory objects are stored under.
func (s *LocalStorage) BasePath() string {
	return s.basePath
}

func (s *LocalStorage) fullPath(path string) (string, error) {
	if err := storage.ValidateRef(path); err != nil {
		return "", err
	}
	full := filepath.Join(s.basePath, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidRef, path)
	}
	return full, nil
}

// Upload writes the object, hashing it on the way.
func (s *LocalStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	fullPath, err := s.fullPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &storage.UploadResult{
		Path:        path,
		Size:        written,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		ContentType: contentType,
	}, nil
}

// Download opens the object.
func (s *LocalStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrMediaNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// GetURL returns the object's public URL. Local objects are not signed, so
// ttl is ignored.
func (s *LocalStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", storage.ErrMediaNotFound, path)
	}
	return s.publicURL + "/" + path, nil
}

// Exists checks if a file exists at the specified path
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.fullPath(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return !info.IsDir(), nil
}

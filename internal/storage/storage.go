// Package storage defines the media store used for post attachments. A media
// ref is a backend object key; posts carry refs and the store turns them into
// URLs the platforms can fetch.
//
// New backends are added by implementing Storage and registering with the
// factory from an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"io"
	"time"
)

// Storage is implemented by every media backend.
type Storage interface {
	// Upload stores an object and returns its path and checksum.
	Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) (*UploadResult, error)

	// Download opens an object for reading.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// GetURL returns a URL a third party can fetch the object from. Cloud
	// backends sign it for ttl; the local backend returns its public URL.
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists reports whether an object is stored at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult describes a stored object.
type UploadResult struct {
	Path        string `json:"ref"`
	Size        int64  `json:"size"`
	Checksum    string `json:"sha256"`
	ContentType string `json:"content_type"`
}

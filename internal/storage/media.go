package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRef        = errors.New("storage: invalid media ref")
	ErrMediaNotFound     = errors.New("storage: media not found")
	ErrUnsupportedType   = errors.New("storage: unsupported media type")
	ErrNoStoreConfigured = errors.New("storage: media ref given but no media store is configured")
)

// contentTypes lists the attachment types every platform accepts, with the
// extension stored objects get.
var contentTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

// ExtensionFor returns the object extension for an accepted content type.
func ExtensionFor(contentType string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := contentTypes[ct]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return ext, nil
}

// ObjectKey builds a new, unguessable ref for an owner's upload.
func ObjectKey(ownerID uuid.UUID, contentType string) (string, error) {
	ext, err := ExtensionFor(contentType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("media/%s/%s%s", ownerID, uuid.New(), ext), nil
}

// IsAbsoluteURL reports whether ref is already a fetchable http(s) URL.
func IsAbsoluteURL(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

// ValidateRef rejects refs that could address objects outside the media tree.
func ValidateRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if path.Clean(ref) != ref || strings.HasPrefix(ref, "../") || ref == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// Resolver turns media refs into URLs. Absolute http(s) URLs pass through.
type Resolver struct {
	store Storage
	ttl   time.Duration
}

// NewResolver creates a resolver. store may be nil, in which case only
// absolute URLs resolve.
func NewResolver(store Storage, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{store: store, ttl: ttl}
}

// Resolve returns a fetchable URL for one ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if IsAbsoluteURL(ref) {
		return ref, nil
	}
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	if r.store == nil {
		return "", ErrNoStoreConfigured
	}
	ok, err := r.store.Exists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("check media %s: %w", ref, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
	}
	return r.store.GetURL(ctx, ref, r.ttl)
}

// ResolveAll resolves refs in order. The first failure aborts.
func (r *Resolver) ResolveAll(ctx context.Context, refs []string) ([]string, error) {
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

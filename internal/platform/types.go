// Package platform defines the uniform publishing surface over the social
// platforms relaypost posts to. Each platform lives in its own subpackage and
// registers a Publisher builder with the Registry; per-platform OAuth
// endpoints, scopes and content limits live in the Catalog lookup table.
package platform

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a platform.
type Kind string

const (
	Twitter   Kind = "twitter"
	Threads   Kind = "threads"
	Facebook  Kind = "facebook"
	Instagram Kind = "instagram"
)

// Valid returns true if the platform is known
func (k Kind) Valid() bool {
	switch k {
	case Twitter, Threads, Facebook, Instagram:
		return true
	default:
		return false
	}
}

// String returns the string representation of the platform
func (k Kind) String() string {
	return string(k)
}

// ParseKind validates a platform key from user input.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
	return k, nil
}

// AllKinds lists every supported platform in a stable order.
func AllKinds() []Kind {
	return []Kind{Twitter, Threads, Facebook, Instagram}
}

// Content is the platform-neutral payload of a post.
type Content struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	// FollowupComment is posted after the primary post (reply or comment) and
	// does not count against the primary post's character limit.
	FollowupComment string `json:"followup_comment,omitempty"`
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	ExternalPostID string `json:"external_post_id"`
	FollowupID     string `json:"followup_id,omitempty"`
	// FollowupErr is set when the primary post went out but the followup did not.
	FollowupErr error `json:"-"`
}

// Profile is the "who am I" answer for a token.
type Profile struct {
	AccountID   string `json:"account_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	// AccessToken replaces the user token when publishing happens through a
	// derived credential (Facebook page tokens).
	AccessToken string `json:"-"`
}

// Token is an OAuth token set as held by a connection.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// ExpiresWithin reports whether the token expires before now+d.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now.Add(d))
}

// ExpiryFromSeconds converts an OAuth expires_in value to an absolute time.
func ExpiryFromSeconds(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(seconds) * time.Second).UTC()
	return &t
}

// IsVideoURL guesses from the path extension whether a media URL is a video.
func IsVideoURL(u string) bool {
	p := strings.ToLower(u)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.HasSuffix(p, ".mp4") || strings.HasSuffix(p, ".mov") || strings.HasSuffix(p, ".m4v")
}

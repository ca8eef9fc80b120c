package platform

import (
	"context"
	"net/http"
)

// Publisher is implemented once per platform. Implementations own the
// translation to and from the platform's request/response shapes.
type Publisher interface {
	// Platform returns the platform this publisher serves.
	Platform() Kind

	// PublishPost creates the primary post, attaching media first when the
	// platform's content model requires it, and returns the post id.
	PublishPost(ctx context.Context, accessToken, accountID string, content Content) (string, error)

	// PublishFollowup posts text as a reply or comment under postID.
	PublishFollowup(ctx context.Context, accessToken, accountID, postID, text string) (string, error)

	// FetchProfile returns the account the token belongs to.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// TokenExchanger is implemented by platforms whose authorization code yields
// a short-lived token that should be swapped for a long-lived one.
type TokenExchanger interface {
	ExchangeLongLived(ctx context.Context, accessToken string) (*Token, error)
}

// TokenRefresher is implemented by platforms that refresh tokens outside the
// standard OAuth refresh_token grant.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, token Token) (*Token, error)
}

// Settings holds what a builder needs to construct a Publisher.
type Settings struct {
	Kind         Kind
	ClientID     string
	ClientSecret string
	// APIBaseURL overrides the platform's production API host.
	APIBaseURL string
	HTTPClient *http.Client
}

// Validate checks the settings
func (s *Settings) Validate() error {
	if !s.Kind.Valid() {
		return ErrUnknownPlatform
	}
	return nil
}

// Client returns the configured HTTP client or http.DefaultClient.
func (s *Settings) Client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// BaseURL returns the override or the given production default.
func (s *Settings) BaseURL(def string) string {
	if s.APIBaseURL != "" {
		return s.APIBaseURL
	}
	return def
}

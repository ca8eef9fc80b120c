// Package facebook publishes to Facebook Pages through the Graph API. The
// connection's account is the page, and its token is the page access token
// resolved at connect time.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/platform/graphapi"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

func init() {
	platform.RegisterPublisher(platform.Facebook, func(s *platform.Settings) (platform.Publisher, error) {
		return New(s), nil
	})
}

// Connector implements platform.Publisher for Facebook Pages.
type Connector struct {
	api          *graphapi.Client
	clientID     string
	clientSecret string
	now          func() time.Time
}

// New creates a Facebook connector.
func New(s *platform.Settings) *Connector {
	return &Connector{
		api:          graphapi.New(platform.Facebook, s.BaseURL(defaultBaseURL), s.Client()),
		clientID:     s.ClientID,
		clientSecret: s.ClientSecret,
		now:          time.Now,
	}
}

// Platform implements platform.Publisher.
func (c *Connector) Platform() platform.Kind { return platform.Facebook }

// PublishPost posts to the page feed. A single image goes through /photos;
// several images are uploaded unpublished and attached to one feed post.
func (c *Connector) PublishPost(ctx context.Context, accessToken, pageID string, content platform.Content) (string, error) {
	switch len(content.MediaURLs) {
	case 0:
		var resp graphapi.IDResponse
		if err := c.api.Post(ctx, "/"+pageID+"/feed", accessToken, url.Values{"message": {content.Text}}, &resp); err != nil {
			return "", fmt.Errorf("facebook: create post: %w", err)
		}
		return resp.ID, nil

	case 1:
		if platform.IsVideoURL(content.MediaURLs[0]) {
			var resp graphapi.IDResponse
			form := url.Values{"file_url": {content.MediaURLs[0]}, "description": {content.Text}}
			if err := c.api.Post(ctx, "/"+pageID+"/videos", accessToken, form, &resp); err != nil {
				return "", fmt.Errorf("facebook: upload video: %w", err)
			}
			return resp.ID, nil
		}
		var resp graphapi.IDResponse
		form := url.Values{"url": {content.MediaURLs[0]}}
		if content.Text != "" {
			form.Set("caption", content.Text)
		}
		if err := c.api.Post(ctx, "/"+pageID+"/photos", accessToken, form, &resp); err != nil {
			return "", fmt.Errorf("facebook: upload photo: %w", err)
		}
		if resp.PostID != "" {
			return resp.PostID, nil
		}
		return resp.ID, nil

	default:
		form := url.Values{"message": {content.Text}}
		for i, m := range content.MediaURLs {
			var photo graphapi.IDResponse
			if err := c.api.Post(ctx, "/"+pageID+"/photos", accessToken, url.Values{"url": {m}, "published": {"false"}}, &photo); err != nil {
				return "", fmt.Errorf("facebook: upload photo %d: %w", i, err)
			}
			attached, _ := json.Marshal(map[string]string{"media_fbid": photo.ID})
			form.Set(fmt.Sprintf("attached_media[%d]", i), string(attached))
		}
		var resp graphapi.IDResponse
		if err := c.api.Post(ctx, "/"+pageID+"/feed", accessToken, form, &resp); err != nil {
			return "", fmt.Errorf("facebook: create post: %w", err)
		}
		return resp.ID, nil
	}
}

// PublishFollowup comments on the post as the page.
func (c *Connector) PublishFollowup(ctx context.Context, accessToken, _, postID, text string) (string, error) {
	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+postID+"/comments", accessToken, url.Values{"message": {text}}, &resp); err != nil {
		return "", fmt.Errorf("facebook: comment: %w", err)
	}
	return resp.ID, nil
}

type accountsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		AccessToken string `json:"access_token"`
		Picture     struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	} `json:"data"`
}

// FetchProfile resolves the first page the user manages. The page token
// becomes the connection's publishing token.
func (c *Connector) FetchProfile(ctx context.Context, accessToken string) (*platform.Profile, error) {
	var accounts accountsResponse
	if err := c.api.Get(ctx, "/me/accounts", accessToken, url.Values{"fields": {"id,name,access_token,picture"}}, &accounts); err != nil {
		return nil, fmt.Errorf("facebook: list pages: %w", err)
	}
	if len(accounts.Data) == 0 {
		return nil, platform.NewAPIError(platform.Facebook, 200, 0, "no manageable pages granted", platform.ErrPermanentRejection)
	}
	page := accounts.Data[0]
	return &platform.Profile{
		AccountID:   page.ID,
		Username:    page.Name,
		DisplayName: page.Name,
		AvatarURL:   page.Picture.Data.URL,
		AccessToken: page.AccessToken,
	}, nil
}

// ExchangeLongLived swaps a short-lived user token for a long-lived one, so
// the page tokens derived from it do not expire.
func (c *Connector) ExchangeLongLived(ctx context.Context, accessToken string) (*platform.Token, error) {
	return c.api.ExchangeToken(ctx, "/oauth/access_token", url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {c.clientID},
		"client_secret":     {c.clientSecret},
		"fb_exchange_token": {accessToken},
	}, c.now())
}

// Package instagram publishes to Instagram professional accounts through the
// Instagram Graph API (Instagram Login). Every post needs media: a container
// is created per item, then published.
package instagram

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/platform/graphapi"
)

const defaultBaseURL = "https://graph.instagram.com/v21.0"

func init() {
	platform.RegisterPublisher(platform.Instagram, func(s *platform.Settings) (platform.Publisher, error) {
		return New(s), nil
	})
}

// Connector implements platform.Publisher for Instagram.
type Connector struct {
	api          *graphapi.Client
	clientSecret string
	now          func() time.Time
}

// New creates an Instagram connector.
func New(s *platform.Settings) *Connector {
	return &Connector{
		api:          graphapi.New(platform.Instagram, s.BaseURL(defaultBaseURL), s.Client()),
		clientSecret: s.ClientSecret,
		now:          time.Now,
	}
}

// API exposes the underlying Graph client.
func (c *Connector) API() *graphapi.Client { return c.api }

// Platform implements platform.Publisher.
func (c *Connector) Platform() platform.Kind { return platform.Instagram }

// PublishPost creates the media container(s), waits for processing, and
// publishes. The caption rides on the top-level container.
func (c *Connector) PublishPost(ctx context.Context, accessToken, accountID string, content platform.Content) (string, error) {
	if len(content.MediaURLs) == 0 {
		return "", platform.ErrMediaRequired
	}

	var containerID string
	if len(content.MediaURLs) == 1 {
		form := mediaForm(content.MediaURLs[0], false)
		form.Set("caption", content.Text)
		id, err := c.createContainer(ctx, accessToken, accountID, form)
		if err != nil {
			return "", err
		}
		containerID = id
	} else {
		children := make([]string, 0, len(content.MediaURLs))
		for _, m := range content.MediaURLs {
			id, err := c.createContainer(ctx, accessToken, accountID, mediaForm(m, true))
			if err != nil {
				return "", err
			}
			children = append(children, id)
		}
		form := url.Values{
			"media_type": {"CAROUSEL"},
			"children":   {strings.Join(children, ",")},
			"caption":    {content.Text},
		}
		id, err := c.createContainer(ctx, accessToken, accountID, form)
		if err != nil {
			return "", err
		}
		containerID = id
	}

	if err := c.api.WaitForContainer(ctx, containerID, accessToken, "status_code"); err != nil {
		return "", fmt.Errorf("instagram: wait for container: %w", err)
	}

	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+accountID+"/media_publish", accessToken, url.Values{"creation_id": {containerID}}, &resp); err != nil {
		return "", fmt.Errorf("instagram: publish: %w", err)
	}
	return resp.ID, nil
}

func (c *Connector) createContainer(ctx context.Context, accessToken, accountID string, form url.Values) (string, error) {
	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+accountID+"/media", accessToken, form, &resp); err != nil {
		return "", fmt.Errorf("instagram: create container: %w", err)
	}
	return resp.ID, nil
}

func mediaForm(mediaURL string, carouselItem bool) url.Values {
	form := url.Values{}
	if platform.IsVideoURL(mediaURL) {
		if carouselItem {
			form.Set("media_type", "VIDEO")
		} else {
			form.Set("media_type", "REELS")
		}
		form.Set("video_url", mediaURL)
	} else {
		form.Set("image_url", mediaURL)
	}
	if carouselItem {
		form.Set("is_carousel_item", "true")
	}
	return form
}

// PublishFollowup comments on the published media.
func (c *Connector) PublishFollowup(ctx context.Context, accessToken, _, mediaID, text string) (string, error) {
	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+mediaID+"/comments", accessToken, url.Values{"message": {text}}, &resp); err != nil {
		return "", fmt.Errorf("instagram: comment: %w", err)
	}
	return resp.ID, nil
}

type profileResponse struct {
	UserID         string `json:"user_id"`
	ID             string `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profile_picture_url"`
}

// FetchProfile returns the professional account behind the token.
func (c *Connector) FetchProfile(ctx context.Context, accessToken string) (*platform.Profile, error) {
	var me profileResponse
	if err := c.api.Get(ctx, "/me", accessToken, url.Values{"fields": {"user_id,username,name,profile_picture_url"}}, &me); err != nil {
		return nil, fmt.Errorf("instagram: fetch profile: %w", err)
	}
	id := me.UserID
	if id == "" {
		id = me.ID
	}
	display := me.Name
	if display == "" {
		display = me.Username
	}
	return &platform.Profile{
		AccountID:   id,
		Username:    me.Username,
		DisplayName: display,
		AvatarURL:   me.ProfilePicture,
	}, nil
}

// ExchangeLongLived swaps a short-lived token for a 60-day token.
func (c *Connector) ExchangeLongLived(ctx context.Context, accessToken string) (*platform.Token, error) {
	return c.api.ExchangeToken(ctx, "/access_token", url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {c.clientSecret},
		"access_token":  {accessToken},
	}, c.now())
}

// RefreshToken extends a long-lived token.
func (c *Connector) RefreshToken(ctx context.Context, token platform.Token) (*platform.Token, error) {
	return c.api.ExchangeToken(ctx, "/refresh_access_token", url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {token.AccessToken},
	}, c.now())
}

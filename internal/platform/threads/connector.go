// Package threads publishes to Threads through the Threads Graph API:
// a media container is created first, then published.
package threads

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/platform/graphapi"
)

const defaultBaseURL = "https://graph.threads.net/v1.0"

func init() {
	platform.RegisterPublisher(platform.Threads, func(s *platform.Settings) (platform.Publisher, error) {
		return New(s), nil
	})
}

// Connector implements platform.Publisher for Threads.
type Connector struct {
	api          *graphapi.Client
	clientSecret string
	now          func() time.Time
}

// New creates a Threads connector.
func New(s *platform.Settings) *Connector {
	return &Connector{
		api:          graphapi.New(platform.Threads, s.BaseURL(defaultBaseURL), s.Client()),
		clientSecret: s.ClientSecret,
		now:          time.Now,
	}
}

// API exposes the underlying Graph client (used to tune polling in tests).
func (c *Connector) API() *graphapi.Client { return c.api }

// Platform implements platform.Publisher.
func (c *Connector) Platform() platform.Kind { return platform.Threads }

// PublishPost creates a TEXT, IMAGE or CAROUSEL container and publishes it.
func (c *Connector) PublishPost(ctx context.Context, accessToken, accountID string, content platform.Content) (string, error) {
	containerID, err := c.createContainer(ctx, accessToken, accountID, content, "")
	if err != nil {
		return "", err
	}
	return c.publish(ctx, accessToken, accountID, containerID, len(content.MediaURLs) > 0)
}

// PublishFollowup replies to postID with a text container.
func (c *Connector) PublishFollowup(ctx context.Context, accessToken, accountID, postID, text string) (string, error) {
	containerID, err := c.createContainer(ctx, accessToken, accountID, platform.Content{Text: text}, postID)
	if err != nil {
		return "", err
	}
	return c.publish(ctx, accessToken, accountID, containerID, false)
}

func (c *Connector) createContainer(ctx context.Context, accessToken, accountID string, content platform.Content, replyTo string) (string, error) {
	form := url.Values{}
	if content.Text != "" {
		form.Set("text", content.Text)
	}
	if replyTo != "" {
		form.Set("reply_to_id", replyTo)
	}

	switch len(content.MediaURLs) {
	case 0:
		form.Set("media_type", "TEXT")
	case 1:
		form.Set("media_type", mediaType(content.MediaURLs[0]))
		form.Set(mediaField(content.MediaURLs[0]), content.MediaURLs[0])
	default:
		children := make([]string, 0, len(content.MediaURLs))
		for _, m := range content.MediaURLs {
			item := url.Values{
				"media_type":       {mediaType(m)},
				mediaField(m):      {m},
				"is_carousel_item": {"true"},
			}
			var child graphapi.IDResponse
			if err := c.api.Post(ctx, "/"+accountID+"/threads", accessToken, item, &child); err != nil {
				return "", fmt.Errorf("threads: create carousel item: %w", err)
			}
			children = append(children, child.ID)
		}
		form.Set("media_type", "CAROUSEL")
		form.Set("children", strings.Join(children, ","))
	}

	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+accountID+"/threads", accessToken, form, &resp); err != nil {
		return "", fmt.Errorf("threads: create container: %w", err)
	}
	return resp.ID, nil
}

func (c *Connector) publish(ctx context.Context, accessToken, accountID, containerID string, hasMedia bool) (string, error) {
	if hasMedia {
		if err := c.api.WaitForContainer(ctx, containerID, accessToken, "status"); err != nil {
			return "", fmt.Errorf("threads: wait for container: %w", err)
		}
	}
	var resp graphapi.IDResponse
	if err := c.api.Post(ctx, "/"+accountID+"/threads_publish", accessToken, url.Values{"creation_id": {containerID}}, &resp); err != nil {
		return "", fmt.Errorf("threads: publish: %w", err)
	}
	return resp.ID, nil
}

type profileResponse struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	ProfilePicture string `json:"threads_profile_picture_url"`
}

// FetchProfile returns the Threads user behind the token.
func (c *Connector) FetchProfile(ctx context.Context, accessToken string) (*platform.Profile, error) {
	var me profileResponse
	if err := c.api.Get(ctx, "/me", accessToken, url.Values{"fields": {"id,username,name,threads_profile_picture_url"}}, &me); err != nil {
		return nil, fmt.Errorf("threads: fetch profile: %w", err)
	}
	display := me.Name
	if display == "" {
		display = me.Username
	}
	return &platform.Profile{
		AccountID:   me.ID,
		Username:    me.Username,
		DisplayName: display,
		AvatarURL:   me.ProfilePicture,
	}, nil
}

// ExchangeLongLived swaps a short-lived token for a 60-day token.
func (c *Connector) ExchangeLongLived(ctx context.Context, accessToken string) (*platform.Token, error) {
	return c.api.ExchangeToken(ctx, "/access_token", url.Values{
		"grant_type":    {"th_exchange_token"},
		"client_secret": {c.clientSecret},
		"access_token":  {accessToken},
	}, c.now())
}

// RefreshToken extends a long-lived token.
func (c *Connector) RefreshToken(ctx context.Context, token platform.Token) (*platform.Token, error) {
	return c.api.ExchangeToken(ctx, "/refresh_access_token", url.Values{
		"grant_type":   {"th_refresh_token"},
		"access_token": {token.AccessToken},
	}, c.now())
}

func mediaType(u string) string {
	if platform.IsVideoURL(u) {
		return "VIDEO"
	}
	return "IMAGE"
}

func mediaField(u string) string {
	if platform.IsVideoURL(u) {
		return "video_url"
	}
	return "image_url"
}

// Package twitter publishes to X (Twitter) through the v2 API using an
// OAuth 2.0 user-context bearer token.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaypost/relaypost/internal/platform"
)

const defaultBaseURL = "https://api.x.com"

func init() {
	platform.RegisterPublisher(platform.Twitter, func(s *platform.Settings) (platform.Publisher, error) {
		return New(s), nil
	})
}

// Connector implements platform.Publisher for X.
type Connector struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an X connector.
func New(s *platform.Settings) *Connector {
	return &Connector{
		baseURL:    strings.TrimRight(s.BaseURL(defaultBaseURL), "/"),
		httpClient: s.Client(),
	}
}

// Platform implements platform.Publisher.
func (c *Connector) Platform() platform.Kind { return platform.Twitter }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type tweetRequest struct {
	Text  string      `json:"text,omitempty"`
	Media *tweetMedia `json:"media,omitempty"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Type    string `json:"type"`
}

// response covers the v2 success shape, the v2 problem shape, and the v1.1
// errors array, all of which the API can return.
type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []apiError      `json:"errors"`
	Title  string          `json:"title"`
	Detail string          `json:"detail"`
	Type   string          `json:"type"`
	Status int             `json:"status"`
}

// classify decides the error class from the body first and the status last.
func classify(status int, problemType string, code int, detail string) error {
	lowerDetail := strings.ToLower(detail)
	switch {
	case code == 88 || strings.Contains(problemType, "usage-capped") || strings.Contains(problemType, "rate-limit"):
		return platform.ErrRateLimited
	case code == 89 || code == 32 || strings.Contains(problemType, "not-authorized"):
		return platform.ErrAuthExpired
	case code == 130 || code == 131 || strings.Contains(problemType, "service-unavailable") || strings.Contains(problemType, "operational-disconnect"):
		return platform.ErrTransientFailure
	case code == 187 || strings.Contains(lowerDetail, "duplicate content"):
		return platform.ErrPermanentRejection
	default:
		return platform.ClassifyStatus(status)
	}
}

func (c *Connector) do(req *http.Request, accessToken string, out any) error {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	status, body, err := platform.Do(c.httpClient, platform.Twitter, req)
	if err != nil {
		return err
	}

	var resp response
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		if status >= 200 && status < 300 {
			return platform.NewAPIError(platform.Twitter, status, 0, "malformed response", platform.ErrTransientFailure)
		}
		return platform.NewAPIError(platform.Twitter, status, 0, http.StatusText(status), platform.ClassifyStatus(status))
	}

	// A body with errors and no data is a failure even on 200.
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			msg := e.Message
			if msg == "" {
				msg = e.Detail
			}
			return platform.NewAPIError(platform.Twitter, status, e.Code, msg, classify(status, e.Type, e.Code, msg))
		}
		if resp.Title != "" || resp.Detail != "" || status < 200 || status >= 300 {
			msg := resp.Detail
			if msg == "" {
				msg = resp.Title
			}
			return platform.NewAPIError(platform.Twitter, status, 0, msg, classify(status, resp.Type, 0, msg))
		}
		return platform.NewAPIError(platform.Twitter, status, 0, "response has no data", platform.ErrTransientFailure)
	}
	if status < 200 || status >= 300 {
		return platform.NewAPIError(platform.Twitter, status, 0, http.StatusText(status), platform.ClassifyStatus(status))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return platform.NewAPIError(platform.Twitter, status, 0, "malformed data: "+err.Error(), platform.ErrTransientFailure)
	}
	return nil
}

func (c *Connector) postJSON(ctx context.Context, path, accessToken string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("twitter: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, accessToken, out)
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

// PublishPost uploads every media item, then creates the tweet that
// references them.
func (c *Connector) PublishPost(ctx context.Context, accessToken, _ string, content platform.Content) (string, error) {
	req := tweetRequest{Text: content.Text}
	if len(content.MediaURLs) > 0 {
		ids := make([]string, 0, len(content.MediaURLs))
		for _, m := range content.MediaURLs {
			id, err := c.uploadMedia(ctx, accessToken, m)
			if err != nil {
				return "", err
			}
			ids = append(ids, id)
		}
		req.Media = &tweetMedia{MediaIDs: ids}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/2/tweets", accessToken, req, &created); err != nil {
		return "", fmt.Errorf("twitter: create tweet: %w", err)
	}
	return created.ID, nil
}

// PublishFollowup replies to the tweet.
func (c *Connector) PublishFollowup(ctx context.Context, accessToken, _, postID, text string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	req := tweetRequest{Text: text, Reply: &tweetReply{InReplyToTweetID: postID}}
	if err := c.postJSON(ctx, "/2/tweets", accessToken, req, &created); err != nil {
		return "", fmt.Errorf("twitter: reply: %w", err)
	}
	return created.ID, nil
}

func (c *Connector) uploadMedia(ctx context.Context, accessToken, mediaURL string) (string, error) {
	if platform.IsVideoURL(mediaURL) {
		return "", platform.NewAPIError(platform.Twitter, 0, 0, "video upload is not supported", platform.ErrPermanentRejection)
	}
	data, contentType, err := platform.FetchMedia(ctx, c.httpClient, platform.Twitter, mediaURL)
	if err != nil {
		return "", fmt.Errorf("twitter: fetch media: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	category := "tweet_image"
	if contentType == "image/gif" {
		category = "tweet_gif"
	}
	if err := mw.WriteField("media_category", category); err != nil {
		return "", fmt.Errorf("twitter: build upload: %w", err)
	}
	part, err := mw.CreateFormFile("media", mediaFilename(mediaURL))
	if err != nil {
		return "", fmt.Errorf("twitter: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("twitter: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("twitter: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/media/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("twitter: build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := c.do(req, accessToken, &uploaded); err != nil {
		return "", fmt.Errorf("twitter: upload media: %w", err)
	}
	return uploaded.ID, nil
}

func mediaFilename(mediaURL string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
			return u.Path[i+1:]
		}
	}
	return "media"
}

// FetchProfile returns the authenticated user.
func (c *Connector) FetchProfile(ctx context.Context, accessToken string) (*platform.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/2/users/me?user.fields=profile_image_url", nil)
	if err != nil {
		return nil, fmt.Errorf("twitter: build request: %w", err)
	}
	var me struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
	}
	if err := c.do(req, accessToken, &me); err != nil {
		return nil, fmt.Errorf("twitter: fetch profile: %w", err)
	}
	return &platform.Profile{
		AccountID:   me.ID,
		Username:    me.Username,
		DisplayName: me.Name,
		AvatarURL:   me.ProfileImageURL,
	}, nil
}

// Package graphapi is the HTTP client shared by the platforms built on Meta's
// Graph API (Threads, Facebook, Instagram). It owns the form-encoded request
// shape, the error envelope, and its classification.
package graphapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/platform"
)

// Client talks to one Graph API host.
type Client struct {
	Platform platform.Kind
	BaseURL  string
	HTTP     *http.Client
	// PollInterval spaces container status checks.
	PollInterval time.Duration
	PollAttempts int
}

// New creates a client for a Graph API host.
func New(kind platform.Kind, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Platform:     kind,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTP:         httpClient,
		PollInterval: 2 * time.Second,
		PollAttempts: 15,
	}
}

// Error is the Graph API error object.
type Error struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	IsTransient bool   `json:"is_transient"`
	UserMessage string `json:"error_user_msg"`
	TraceID     string `json:"fbtrace_id"`
}

type envelope struct {
	Error *Error `json:"error"`
}

// Graph API error codes that map to a specific class.
var (
	rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true, 80001: true, 80002: true, 80004: true, 80005: true, 80006: true}
	authCodes      = map[int]bool{102: true, 190: true, 463: true, 467: true}
	transientCodes = map[int]bool{1: true, 2: true}
)

// Classify maps a Graph error body to an error class. is_transient wins over
// everything else; the HTTP status is only consulted when the code is unknown.
func Classify(status int, e *Error) error {
	switch {
	case e.IsTransient:
		return platform.ErrTransientFailure
	case rateLimitCodes[e.Code]:
		return platform.ErrRateLimited
	case authCodes[e.Code]:
		return platform.ErrAuthExpired
	case transientCodes[e.Code]:
		return platform.ErrTransientFailure
	case status >= 500 || status == 429 || status == 401:
		return platform.ClassifyStatus(status)
	default:
		return platform.ErrPermanentRejection
	}
}

// Get issues a GET with params and decodes the response into out.
func (c *Client) Get(ctx context.Context, path, accessToken string, params url.Values, out any) error {
	q := cloneValues(params)
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Platform, err)
	}
	return c.do(req, out)
}

// Post issues a form-encoded POST and decodes the response into out.
func (c *Client) Post(ctx context.Context, path, accessToken string, form url.Values, out any) error {
	f := cloneValues(form)
	if accessToken != "" {
		f.Set("access_token", accessToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(f.Encode()))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Platform, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	status, body, err := platform.Do(c.HTTP, c.Platform, req)
	if err != nil {
		return err
	}

	// Graph can answer 200 with an error envelope; the body decides.
	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr == nil && env.Error != nil {
		msg := env.Error.Message
		if env.Error.UserMessage != "" {
			msg += " (" + env.Error.UserMessage + ")"
		}
		return platform.NewAPIError(c.Platform, status, env.Error.Code, msg, Classify(status, env.Error))
	}
	if status < 200 || status >= 300 {
		return platform.NewAPIError(c.Platform, status, 0, http.StatusText(status), platform.ClassifyStatus(status))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return platform.NewAPIError(c.Platform, status, 0, "malformed response: "+err.Error(), platform.ErrTransientFailure)
	}
	return nil
}

// IDResponse is the common {"id": "..."} creation response.
type IDResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id,omitempty"`
}

// TokenResponse is the long-lived token exchange and refresh response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeToken calls a token exchange or refresh endpoint and converts the
// result. now anchors the expiry.
func (c *Client) ExchangeToken(ctx context.Context, path string, params url.Values, now time.Time) (*platform.Token, error) {
	var resp TokenResponse
	if err := c.Get(ctx, path, "", params, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, platform.NewAPIError(c.Platform, http.StatusOK, 0, "token response missing access_token", platform.ErrPermanentRejection)
	}
	return &platform.Token{
		AccessToken: resp.AccessToken,
		ExpiresAt:   platform.ExpiryFromSeconds(now, resp.ExpiresIn),
	}, nil
}

// WaitForContainer polls a media container until its status field reports
// FINISHED. ERROR and EXPIRED are permanent; running out of attempts is
// transient so the publish is retried later.
func (c *Client) WaitForContainer(ctx context.Context, containerID, accessToken, field string) error {
	for attempt := 0; attempt < c.PollAttempts; attempt++ {
		var st map[string]any
		if err := c.Get(ctx, "/"+containerID, accessToken, url.Values{"fields": {field}}, &st); err != nil {
			return err
		}
		status, _ := st[field].(string)
		switch status {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return platform.NewAPIError(c.Platform, http.StatusOK, 0, fmt.Sprintf("media container %s is %s", containerID, status), platform.ErrPermanentRejection)
		}

		t := time.NewTimer(c.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return platform.NewAPIError(c.Platform, http.StatusOK, 0, fmt.Sprintf("media container %s not ready", containerID), platform.ErrTransientFailure)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

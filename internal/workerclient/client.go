// Package workerclient is the client side of the automation job contract:
// it leases jobs from the server, hands each to an executor, and reports the
// outcome. cmd/worker is a thin wrapper around Runner.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/queue"
)

var (
	// ErrUnauthorized means the server rejected the worker secret.
	ErrUnauthorized = errors.New("workerclient: worker secret rejected")
	// ErrLeaseLost means the job is no longer leased to anyone, usually
	// because its lease expired before the report arrived.
	ErrLeaseLost = errors.New("workerclient: job is no longer leased")
	// ErrServer is a 5xx or transport failure worth retrying.
	ErrServer = errors.New("workerclient: server unavailable")
)

const maxBodyBytes = 1 << 20

// Client talks to the server's /jobs endpoints.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a client. A nil httpClient uses a 30 second timeout.
func NewClient(baseURL, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    httpClient,
	}
}

// Pending leases up to limit jobs. A non-positive limit lets the server pick.
func (c *Client) Pending(ctx context.Context, limit int) ([]queue.LeasedJob, error) {
	endpoint := c.baseURL + "/jobs/pending"
	if limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lease request: %w", err)
	}

	var resp struct {
		Jobs []queue.LeasedJob `json:"jobs"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return resp.Jobs, nil
}

// Report sends one outcome.
func (c *Client) Report(ctx context.Context, out queue.Outcome) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("report job %s: %w", out.JobID, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, dst interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrServer, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return ErrLeaseLost
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, errorMessage(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorMessage(body))
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// reportRetry retries reports that failed on the server side. A lost lease
// or a rejected secret is final.
func reportRetry(base time.Duration) platform.RetryPolicy {
	return platform.RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   base,
		Retryable:   func(err error) bool { return errors.Is(err, ErrServer) },
	}
}

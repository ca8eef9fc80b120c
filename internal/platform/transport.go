package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBytes caps how much of a platform response body is read.
const MaxResponseBytes = 4 << 20

// NewHTTPClient returns the client publishers share.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Do sends req and returns the status and body. Transport failures other than
// caller cancellation are classified as transient.
func Do(client *http.Client, kind Kind, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, NewAPIError(kind, 0, 0, err.Error(), ErrTransientFailure)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, NewAPIError(kind, resp.StatusCode, 0, fmt.Sprintf("read body: %v", err), ErrTransientFailure)
	}
	return resp.StatusCode, body, nil
}

// FetchMedia downloads a media URL for platforms that take uploaded bytes
// instead of a URL.
func FetchMedia(ctx context.Context, client *http.Client, kind Kind, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", NewAPIError(kind, 0, 0, fmt.Sprintf("invalid media url %q", mediaURL), ErrPermanentRejection)
	}
	status, body, err := Do(client, kind, req)
	if err != nil {
		return nil, "", err
	}
	if status < 200 || status >= 300 {
		class := ErrPermanentRejection
		if status >= 500 || status == 429 {
			class = ErrTransientFailure
		}
		return nil, "", NewAPIError(kind, status, 0, fmt.Sprintf("fetch media %q", mediaURL), class)
	}
	return body, http.DetectContentType(body), nil
}

package oauth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/relaypost/relaypost/internal/platform"
)

var (
	// ErrStateMismatch is returned when the callback state does not match a
	// pending authorization for the same owner and platform.
	ErrStateMismatch = errors.New("oauth: state does not match a pending authorization")
	// ErrStateExpired is returned when the state was found but its TTL elapsed.
	ErrStateExpired = errors.New("oauth: authorization state expired")
	// ErrNotConnected is returned when the owner has no active connection.
	ErrNotConnected = errors.New("oauth: no active connection for platform")
)

// TokenExchangeError reports a failed code, long-lived, or refresh exchange.
// Reason is built from the provider's error code and description only, so it
// never carries token material.
type TokenExchangeError struct {
	Platform platform.Kind
	Op       string
	Reason   string
	err      error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("oauth: %s %s failed: %s", e.Platform, e.Op, e.Reason)
}

// Unwrap returns the platform error class when one is known.
func (e *TokenExchangeError) Unwrap() error {
	return e.err
}

func exchangeError(kind platform.Kind, op string, err error) *TokenExchangeError {
	e := &TokenExchangeError{Platform: kind, Op: op, Reason: "provider request failed"}

	var re *oauth2.RetrieveError
	var ae *platform.APIError
	switch {
	case errors.As(err, &re):
		switch {
		case re.ErrorCode != "" && re.ErrorDescription != "":
			e.Reason = re.ErrorCode + ": " + re.ErrorDescription
		case re.ErrorCode != "":
			e.Reason = re.ErrorCode
		case re.Response != nil:
			e.Reason = fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode)
		}
		if re.ErrorCode == "invalid_grant" || (re.Response != nil && re.Response.StatusCode == 401) {
			e.err = platform.ErrAuthExpired
		}
	case errors.As(err, &ae):
		e.Reason = ae.Class.Error()
		if ae.Code != 0 {
			e.Reason = fmt.Sprintf("%s (code %d)", e.Reason, ae.Code)
		}
		e.err = ae.Class
	case errors.Is(err, platform.ErrAuthExpired):
		e.err = platform.ErrAuthExpired
	}
	return e
}

// errors.go defines the publishing error taxonomy shared by every platform
// implementation. Callers match with errors.Is against the class sentinels;
// *APIError carries the remote details.
package platform

import (
	"errors"
	"fmt"
)

var (
	// Publishing error classes
	ErrRateLimited        = errors.New("rate limited by platform")
	ErrAuthExpired        = errors.New("platform authorization expired")
	ErrPermanentRejection = errors.New("platform rejected the content")
	ErrTransientFailure   = errors.New("transient platform failure")

	// Content validation, reported as permanent rejections
	ErrTextTooLong   = fmt.Errorf("%w: text exceeds character limit", ErrPermanentRejection)
	ErrMediaRequired = fmt.Errorf("%w: platform requires at least one media item", ErrPermanentRejection)
	ErrTooManyMedia  = fmt.Errorf("%w: too many media items", ErrPermanentRejection)
	ErrEmptyContent  = fmt.Errorf("%w: post has no text or media", ErrPermanentRejection)

	// Configuration errors
	ErrUnknownPlatform     = errors.New("unknown platform")
	ErrPlatformUnavailable = errors.New("platform not configured")
	ErrRefreshUnsupported  = errors.New("platform tokens cannot be refreshed")
)

// APIError is an error reported by a platform API, already classified into
// one of the error classes above.
type APIError struct {
	Platform   Kind
	StatusCode int
	// Code is the platform's own error code, when the body carried one.
	Code    int
	Message string
	Class   error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v (status %d", e.Platform, e.Class, e.StatusCode)
	if e.Code != 0 {
		msg += fmt.Sprintf(", code %d", e.Code)
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap exposes the class so errors.Is(err, ErrRateLimited) works.
func (e *APIError) Unwrap() error {
	return e.Class
}

// NewAPIError creates a classified API error
func NewAPIError(kind Kind, statusCode, code int, message string, class error) *APIError {
	return &APIError{
		Platform:   kind,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Class:      class,
	}
}

// ClassifyStatus is the fallback classification for responses whose body
// carries no usable error detail.
func ClassifyStatus(status int) error {
	switch {
	case status == 429:
		return ErrRateLimited
	case status == 401:
		return ErrAuthExpired
	case status == 408 || status >= 500:
		return ErrTransientFailure
	default:
		return ErrPermanentRejection
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientFailure) || errors.Is(err, ErrRateLimited)
}

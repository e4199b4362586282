package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks a backend response with HTTP status 429.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrOverloaded marks a backend response with HTTP status 503.
	ErrOverloaded = errors.New("llm: backend overloaded")

	// ErrEmptyResponse is returned when the backend answered without choices.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API Error %d", e.StatusCode)
	}
	return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the package sentinels so that
// errors.Is(err, ErrRateLimited) works for wrapped status errors.
func (e *StatusError) Unwrap() error {
	return ClassifyStatus(e.StatusCode)
}

// ClassifyStatus returns the sentinel that corresponds to an HTTP status code,
// or nil when the status carries no special meaning for failover.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrOverloaded
	default:
		return nil
	}
}

// IsTransient reports whether err signals a rate limit or overload.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOverloaded)
}

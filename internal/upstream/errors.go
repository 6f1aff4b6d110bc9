package upstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited means the platform (or a local budget) refused the call for now.
	ErrRateLimited = errors.New("rate limited")
	// ErrAccountInactive means the account is paused or suspended.
	ErrAccountInactive = errors.New("account is not active")
	// ErrUnknownPlatform means the account's platform has no configuration.
	ErrUnknownPlatform = errors.New("platform is not configured")
)

// UpstreamError is a non-success answer from the platform.
// Status 0 means the platform was never reached.
type UpstreamError struct {
	Status  int
	Body    string
	Code    string
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream unreachable: %s", e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Unwrap exposes the cause, e.g. ErrTokenRefreshFailed after a rejected retry.
func (e *UpstreamError) Unwrap() error { return e.Err }

// RateLimitError is ErrRateLimited with the delay the platform asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the advertised delay from a rate limit error.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

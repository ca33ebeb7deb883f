package retry

import (
	"fmt"

	"golang.org/x/xerrors"
)

type (
	// RetryableError marks a transient failure, e.g. a dropped connection or a 5xx from an RPC node.
	RetryableError struct {
		Err error
	}

	// RateLimitError marks a throttled request (HTTP 429).
	RateLimitError struct {
		Err error
	}
)

var (
	_ xerrors.Wrapper = (*RetryableError)(nil)
	_ xerrors.Wrapper = (*RateLimitError)(nil)
)

func Retryable(err error) error {
	return &RetryableError{Err: err}
}

func RateLimit(err error) error {
	return &RateLimitError{Err: err}
}

// IsRetryable reports whether err wraps a RetryableError or a RateLimitError.
func IsRetryable(err error) bool {
	var errRetryable *RetryableError
	var errRateLimit *RateLimitError
	return xerrors.As(err, &errRetryable) || xerrors.As(err, &errRateLimit)
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("RetryableError: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("RateLimitError: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

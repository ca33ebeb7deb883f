package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

type (
	// Retry runs an operation until it succeeds, fails permanently, or runs out of attempts.
	// Only errors wrapping RetryableError or RateLimitError are retried; anything else is permanent.
	// A RateLimitError waits one extra second on top of the exponential backoff.
	Retry interface {
		Retry(ctx context.Context, operation OperationFn) error
	}

	OperationFn func(ctx context.Context) error

	// BackoffFactory returns a fresh backoff policy for every Retry call.
	BackoffFactory func() backoff.BackOff

	Option func(r *retryImpl)

	retryImpl struct {
		maxAttempts    int
		backoffFactory BackoffFactory
		logger         *zap.Logger
	}
)

const (
	DefaultMaxAttempts = 4

	rateLimitPenalty = time.Second
)

func New(opts ...Option) Retry {
	r := &retryImpl{
		maxAttempts:    DefaultMaxAttempts,
		backoffFactory: newExponentialBackoff,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithMaxAttempts bounds the number of calls, the first one included.
// Non-positive values keep DefaultMaxAttempts.
func WithMaxAttempts(maxAttempts int) Option {
	return func(r *retryImpl) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

func WithBackoffFactory(backoffFactory BackoffFactory) Option {
	return func(r *retryImpl) {
		r.backoffFactory = backoffFactory
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *retryImpl) {
		r.logger = logger
	}
}

func (r *retryImpl) Retry(ctx context.Context, operation OperationFn) error {
	policy := backoff.WithContext(r.backoffFactory(), ctx)

	attempts := 0
	attempt := func() error {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		attempts++
		logger := r.logger.With(zap.Int("attempts", attempts), zap.Error(err))
		switch {
		case !IsRetryable(err):
			logger.Warn("encountered a permanent error")
			return backoff.Permanent(err)
		case attempts >= r.maxAttempts:
			logger.Warn("max attempts exceeded")
			return backoff.Permanent(err)
		default:
			logger.Warn("encountered a retryable error")
			return err
		}
	}

	notify := func(err error, _ time.Duration) {
		var rateLimitErr *RateLimitError
		if !xerrors.As(err, &rateLimitErr) {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(rateLimitPenalty):
		}
	}

	return backoff.RetryNotify(attempt, policy, notify)
}

func newExponentialBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 10 * time.Minute
	return policy
}

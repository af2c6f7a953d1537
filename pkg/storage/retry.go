package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy defines the retry behavior for transient engine failures
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// Delay is the fixed wait between attempts.
	// Default: 1s
	Delay time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Delay:      1 * time.Second,
	}
}

// retrier runs engine calls under a RetryPolicy
type retrier struct {
	policy      RetryPolicy
	isTransient func(error) bool
	logger      zerolog.Logger
	onRetry     func(operation string)
}

// do executes fn, retrying transient failures with a fixed backoff. It
// respects context cancellation between attempts. Non-transient errors are
// returned on first occurrence.
func (r *retrier) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	maxRetries := r.policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := r.policy.Delay
	if delay < 0 {
		delay = 0
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxRetries)),
		ctx,
	)

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Dur("wait", wait).
			Msg("Transient store failure, retrying")
		if r.onRetry != nil {
			r.onRetry(operation)
		}
	}

	return backoff.RetryNotify(op, b, notify)
}

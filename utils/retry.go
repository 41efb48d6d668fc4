package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy holds the parameters for the retry strategy of one source.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *Logger
}

func (r *RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxInterval = r.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 30 * time.Second
	}
	// attempts bound the loop, not elapsed time
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do executes fn with exponential back-off. Only transient failures are
// retried; everything else is returned immediately. When every attempt fails
// the returned error wraps both ErrRetriesExhausted and the last failure.
func (r *RetryPolicy) Do(ctx context.Context, operationName string, fn func(ctx context.Context) error) error {
	attempt := 0
	var lastErr error

	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err) != ClassTransient || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if r.Logger != nil {
			r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
				operationName, attempt, r.MaxAttempts, err, wait.Round(time.Millisecond))
		}
	}

	err := backoff.RetryNotify(op, r.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && Classify(lastErr) == ClassTransient {
		return fmt.Errorf("%s: %w", operationName, context.Cause(ctx))
	}
	if Classify(lastErr) != ClassTransient {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempt,
		errors.Join(ErrRetriesExhausted, lastErr))
}

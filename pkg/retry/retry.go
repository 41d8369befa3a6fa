// Package retry applies a bounded exponential backoff to calls that can fail
// transiently.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Metrics         *monitoring.MetricsCollector
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	// Attempts bound the loop; elapsed time is bounded by ctx.
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. Exhaustion and cancellation both surface as
// an Unavailable error so that callers never hang on a dead dependency.
func Do[T any](ctx context.Context, p Policy, operation string, fn func(context.Context) (T, error)) (T, error) {
	var lastErr error

	result, err := backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		switch {
		case err == nil:
			p.Metrics.RecordRetryAttempt(operation, "success")
			return v, nil
		case types.IsRetryable(err):
			p.Metrics.RecordRetryAttempt(operation, "retryable")
			lastErr = err
			return v, err
		default:
			p.Metrics.RecordRetryAttempt(operation, "terminal")
			return v, backoff.Permanent(err)
		}
	}, p.backOff(ctx))

	if err == nil {
		return result, nil
	}
	if !types.IsRetryable(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return result, err
	}

	cause := lastErr
	if cause == nil {
		cause = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, types.NewUnavailableError(operation+" did not complete before the deadline", cause)
	}
	return result, types.NewUnavailableError(operation+" failed after retries", cause)
}

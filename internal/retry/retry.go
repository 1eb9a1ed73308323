// README: Shared retry policy (exponential backoff with jitter) for gateway and session calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"shuttle/internal/apperr"
)

type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0,1].
	Jitter   float64
	MaxDelay time.Duration
	// Retryable classifies errors; nil means apperr.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(err error, next time.Duration)
}

// Default is three attempts, 200ms base delay doubling per attempt.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    2 * time.Second,
	}
}

// None performs a single attempt.
func None() Policy {
	return Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// ShouldRetry reports whether err is worth another attempt under p.
func (p Policy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return apperr.IsRetryable(err)
}

// Do runs op until it succeeds, fails with a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(p.OnRetry)))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !p.ShouldRetry(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

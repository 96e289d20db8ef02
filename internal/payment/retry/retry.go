// Package retry bounds outbound payment provider calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	Jitter          float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     2 * time.Second,
		Jitter:          0.2,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	return b
}

// Do calls op until it succeeds, fails with an error retryable rejects, or the
// policy runs out of attempts. onRetry, when set, is told about every retry.
func Do[T any](
	ctx context.Context,
	policy Policy,
	retryable func(error) bool,
	op func(ctx context.Context) (T, error),
	onRetry func(attempt int, err error, wait time.Duration),
) (T, error) {
	policy = policy.withDefaults()
	attempt := 0

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if retryable == nil || !retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(attempt, err, wait)
			}
		}),
	)
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// IsNetworkError covers transport failures where the request may not have reached the provider.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

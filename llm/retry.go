package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"max_retries"`        // retries after the first attempt
	BaseDelay         time.Duration `yaml:"base_delay"`         // delay before the first retry
	MaxDelay          time.Duration `yaml:"max_delay"`          // 0 = uncapped
	BackoffMultiplier float64       `yaml:"backoff_multiplier"` // exponential factor
	Jitter            bool          `yaml:"jitter"`             // +/- 50% random jitter

	// RetryOn overrides IsRetryable when set.
	RetryOn func(err error) bool `yaml:"-"`
	OnRetry func(err error, attempt int, delay time.Duration) `yaml:"-"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay before retry n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64()) // [0.5, 1.5)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether err qualifies for another attempt.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return IsRetryable(err)
}

// Retry executes fn under policy. Only errors accepted by ShouldRetry are
// retried; the last error is returned once retries are exhausted.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !policy.ShouldRetry(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			if policy.MaxDelay > 0 && rl.RetryAfter > policy.MaxDelay {
				// Retry-After exceeds the cap; give up now.
				return zero, err
			}
			delay = rl.RetryAfter
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{BackendError: BackendError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}

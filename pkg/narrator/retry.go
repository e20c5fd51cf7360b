package narrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryPolicy controls how often a failed completion is retried.
type RetryPolicy struct {
	MaxAttempts   int           // including the first call
	InitialDelay  time.Duration // before the second attempt
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryPolicy returns a policy with three attempts and exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Delay computes the wait before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1)) //nolint:gosec // jitter only
	}
	return delay
}

// Retryable reports whether err looks transient. Provider SDKs surface HTTP status codes
// and network failures only in their error text, so classification is by substring.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection", "network", "temporary", "rate", "429", "overloaded", "500", "502", "503", "504", "529"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retrying wraps a completer and retries transient failures with backoff.
type retrying struct {
	next    completer
	policy  RetryPolicy
	onRetry func(attempt int, err error)
}

func (r *retrying) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := r.policy.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, lastErr)
			case <-timer.C:
			}
		}

		text, err := r.next.complete(ctx, system, prompt, maxTokens)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == attempts {
			break
		}
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
	}
	if attempts > 1 && Retryable(lastErr) {
		return "", fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
	}
	return "", lastErr
}

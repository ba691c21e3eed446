package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Total attempts including the first
	InitialBackoff    time.Duration // Delay before the second attempt
	MaxBackoff        time.Duration // Upper bound for any delay
	BackoffMultiplier float64       // Growth factor per attempt
	Jitter            bool          // Add up to 25% random delay
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// IsRetryableError classifies an error as worth retrying
type IsRetryableError func(error) bool

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. A nil isRetryable retries all errors.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error, isRetryable IsRetryableError) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := CalculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff, cfg.BackoffMultiplier)
		if cfg.Jitter && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
			if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
				delay = cfg.MaxBackoff
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, multiplier float64) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

var retryableFragments = []string{
	// Connection errors
	"connection refused",
	"connection reset",
	"connection closed",
	"transport is closing",
	"unavailable",
	"network is unreachable",
	"no route to host",
	"eof",
	// Timeouts
	"deadline exceeded",
	"timeout",
	// Temporary exhaustion
	"resource exhausted",
	"too many connections",
	"rate limit",
	"status 429",
	"status 502",
	"status 503",
	"status 504",
}

// IsRetryableNetworkError checks if an error looks like a transient
// network or provider failure
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

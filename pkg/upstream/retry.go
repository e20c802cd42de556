package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the retry configuration for an error class.
func RetryConfigForErrorClass(class ErrorClass) RetryConfig {
	switch class {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// attemptResult is what one attempt reports back to retry.
type attemptResult struct {
	class ErrorClass
	// wait overrides the computed backoff, e.g. from Retry-After.
	wait time.Duration
	err  error
}

// retry runs fn until it succeeds, fails with a non-retryable class or
// runs out of attempts. The policy is chosen by the class of the first
// failure; jitter of ±20% is applied to every backoff.
func (c *Client) retry(ctx context.Context, fn func(attempt int) attemptResult) error {
	var (
		cfg     RetryConfig
		first   ErrorClass
		backoff time.Duration
		last    attemptResult
	)

	for attempt := 1; ; attempt++ {
		last = fn(attempt)
		if last.err == nil {
			if attempt > 1 {
				c.logger.Info().
					Str("error_class", string(first)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		if !shouldRetry(last.class) {
			return last.err
		}
		if attempt == 1 {
			first = last.class
			cfg = c.retryPolicy(first)
			backoff = cfg.InitialBackoff
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		c.metrics.UpstreamRetries.WithLabelValues(string(last.class)).Inc()

		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if last.wait > 0 {
			wait = min(last.wait, cfg.MaxBackoff)
		}

		c.logger.Debug().
			Str("error_class", string(last.class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Warn().
				Str("error_class", string(last.class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = min(time.Duration(float64(backoff)*cfg.BackoffMultiplier), cfg.MaxBackoff)
	}

	c.metrics.UpstreamRetryExhausted.WithLabelValues(string(last.class)).Inc()
	c.logger.Warn().
		Str("error_class", string(last.class)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, last.err)
}

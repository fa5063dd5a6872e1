package dispatcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/extractor"
)

// RetryPolicy defines retry behavior with exponential backoff for provider
// and blob calls. Only transient classifications are retried; permanent
// rejections fail on the first attempt.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy creates the default policy used for dispatch calls.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry checks whether another attempt is worthwhile after a failure.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts-1 {
		return false
	}
	return models.IsTransient(err)
}

// CalculateBackoff returns the wait before the next attempt: exponential
// with up to 25% additive jitter, capped, and never shorter than a provider
// Retry-After hint carried by the error. Jitter only ever lengthens the
// wait, so the exponential schedule is a hard floor.
func (p *RetryPolicy) CalculateBackoff(attempt int, err error) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	backoff *= 1 + rand.Float64()*0.25

	wait := time.Duration(backoff)
	var rateLimit *extractor.RateLimitError
	if errors.As(err, &rateLimit) && rateLimit.RetryAfter > wait {
		wait = rateLimit.RetryAfter
	}
	return wait
}

// ExecuteWithRetry wraps a call with the retry loop.
func (p *RetryPolicy) ExecuteWithRetry(ctx context.Context, logger arbor.ILogger, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !p.ShouldRetry(attempt, lastErr) {
			logger.Debug().
				Str("operation", operation).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("Non-retryable error, failing immediately")
			return lastErr
		}

		backoff := p.CalculateBackoff(attempt, lastErr)
		logger.Debug().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("Retrying after backoff")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	logger.Warn().
		Str("operation", operation).
		Int("max_attempts", p.MaxAttempts).
		Err(lastErr).
		Msg("All retry attempts exhausted")

	return lastErr
}

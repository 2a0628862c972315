package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
)

// RetryConfig is the policy for the backoff executor. Every call into the
// primary or fallback store goes through one shared, tested implementation
// instead of ad-hoc retry loops at each call site.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; subsequent delays double.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter adds a random duration in [0, BaseDelay) to each delay so many
	// concurrent callers hitting the same quota-limited upstream do not retry
	// in lockstep.
	Jitter bool

	// RetryableErrors classifies which errors are worth retrying. Anything
	// else surfaces immediately.
	RetryableErrors func(err error) bool
}

// DefaultRetryConfig matches the spreadsheet service's observed rate limits.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Jitter:          true,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries rate-limit and transient failures only.
// Context cancellation is never retryable.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return fancount.Retryable(err)
}

// RetryStats reports what a Retry call did, for logging and tests.
type RetryStats struct {
	TotalAttempts int
	TotalBackoff  time.Duration
}

// Retry executes fn up to cfg.MaxAttempts times with exponential backoff and
// jitter between attempts. A non-retryable error is returned immediately.
// When every attempt fails, the returned error is marked
// fancount.ErrRetryExhausted and wraps the last underlying error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithStats(ctx, cfg, fn)
	return err
}

// RetryWithStats is Retry plus attempt accounting.
func RetryWithStats(ctx context.Context, cfg RetryConfig, fn func() error) (RetryStats, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	var stats RetryStats
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.TotalAttempts = attempt
		lastErr = fn()
		if lastErr == nil {
			return stats, nil
		}
		if !retryable(lastErr) {
			return stats, lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(attempt, cfg)
		stats.TotalBackoff += delay
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-time.After(delay):
		}
	}
	return stats, errors.Mark(
		errors.Wrapf(lastErr, "giving up after %d attempts", stats.TotalAttempts),
		fancount.ErrRetryExhausted,
	)
}

// backoffDelay computes the delay after the given 1-based attempt:
// min(MaxDelay, BaseDelay * 2^(attempt-1)), plus jitter in [0, BaseDelay).
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && cfg.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	}
	return delay
}

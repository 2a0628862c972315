package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
)

func transientErr(msg string) error {
	return fancount.Transient(errors.New(msg))
}

func TestRetry_Success(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return transientErr("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		RetryableErrors: DefaultRetryableErrors,
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fancount.RateLimited(errors.New("429 quota exceeded"))
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, fancount.ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted mark, got %v", err)
	}
	if !errors.Is(err, fancount.ErrRateLimited) {
		t.Errorf("Expected the last underlying error in the chain, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     4,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		RetryableErrors: DefaultRetryableErrors,
	}

	attempts := 0
	authErr := errors.New("401 unauthorized")
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return authErr
	})

	if !errors.Is(err, authErr) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if errors.Is(err, fancount.ErrRetryExhausted) {
		t.Error("Non-retryable errors must not be reported as exhaustion")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     10,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Second,
		RetryableErrors: DefaultRetryableErrors,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return transientErr("temporary error")
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline error, got %v", err)
	}
	if attempts == 0 {
		t.Error("Expected at least 1 attempt")
	}
	if attempts > 2 {
		t.Errorf("Expected few attempts due to timeout, got %d", attempts)
	}
}

func TestRetry_BackoffBound(t *testing.T) {
	// maxAttempts=4, base=100ms, max=2s: total delay before exhaustion is
	// 100+200+400 = 700ms without jitter, bounded by 3*2s worst case.
	cfg := RetryConfig{
		MaxAttempts:     4,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		RetryableErrors: DefaultRetryableErrors,
	}

	stats, err := RetryWithStats(context.Background(), cfg, func() error {
		return transientErr("always failing")
	})

	if !errors.Is(err, fancount.ErrRetryExhausted) {
		t.Fatalf("Expected exhaustion, got %v", err)
	}
	if stats.TotalAttempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", stats.TotalAttempts)
	}
	if stats.TotalBackoff != 700*time.Millisecond {
		t.Errorf("Expected 700ms total backoff, got %v", stats.TotalBackoff)
	}
	if stats.TotalBackoff > 3*cfg.MaxDelay {
		t.Errorf("Total backoff %v exceeds worst case %v", stats.TotalBackoff, 3*cfg.MaxDelay)
	}
}

func TestBackoffDelayProgression(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // Capped at MaxDelay
		{6, time.Second}, // Still capped
	}

	for _, tt := range tests {
		result := backoffDelay(tt.attempt, cfg)
		if result != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, result)
		}
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    true,
	}

	results := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := backoffDelay(2, cfg)
		// Jitter is additive in [0, BaseDelay).
		if d < 200*time.Millisecond || d >= 300*time.Millisecond {
			t.Errorf("Jittered delay %v outside [200ms, 300ms)", d)
		}
		results[d] = true
	}
	if len(results) < 2 {
		t.Error("Expected jitter to produce different delays")
	}
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{fancount.RateLimited(errors.New("429")), true},
		{fancount.Transient(errors.New("timeout")), true},
		{errors.New("403 forbidden"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		result := DefaultRetryableErrors(tt.err)
		if result != tt.retryable {
			t.Errorf("Error %v: expected retryable=%v, got %v", tt.err, tt.retryable, result)
		}
	}
}

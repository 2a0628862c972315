package fancount

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy for the data layer. Callers classify with errors.Is; the
// concrete cause is always preserved in the chain.
var (
	// ErrRateLimited indicates the spreadsheet service rejected the call with
	// a quota / 429 response. Retryable.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrTransient indicates a timeout or transient network failure.
	// Retryable.
	ErrTransient = errors.New("transient upstream failure")

	// ErrRetryExhausted indicates a retryable error survived every attempt.
	// On reads this triggers the fallback store; on writes it fails the write.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrDataUnavailable indicates both primary and fallback failed. The
	// caller must render an explicit "temporarily unavailable" response, never
	// an empty leaderboard row.
	ErrDataUnavailable = errors.New("data temporarily unavailable")

	// ErrNotFound indicates the entity does not exist in the queried store.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyResolved indicates a ledger request was resolved or expired
	// before the attempted transition.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrPersistence indicates a cache snapshot write or load failed. The
	// cache keeps operating in memory; the error is for logging only.
	ErrPersistence = errors.New("cache persistence failure")
)

// RateLimited marks err as a rate-limit failure.
func RateLimited(err error) error {
	return errors.Mark(err, ErrRateLimited)
}

// Transient marks err as a transient failure.
func Transient(err error) error {
	return errors.Mark(err, ErrTransient)
}

// Retryable reports whether err should be retried by the backoff executor.
// Context cancellation and deadline errors are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Package store composes the TTL cache, the backoff executor and the two
// backing stores into the hybrid read/write path every command handler goes
// through.
//
// Reads are read-through: cache first, then the primary through the backoff
// executor, then the fallback. A fallback-sourced value is cached with a
// reduced TTL and tagged so callers can warn about staleness. Writes are
// asymmetric on purpose: the primary write is the durability guarantee and
// must succeed, the cache entry is invalidated (never re-populated in
// place), and the fallback mirror happens asynchronously with the nightly
// sync as its repair path.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/senchouXflare/Mambo-the-Omniscient/cache"
	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/metrics"
	"github.com/senchouXflare/Mambo-the-Omniscient/resilience"
)

// DefaultFallbackTTL is the reduced TTL for fallback-sourced cache entries,
// forcing reconciliation against the primary well before the usual 24 hours.
const DefaultFallbackTTL = time.Hour

// PrimaryStore is the spreadsheet-backed authoritative store. Every call may
// fail with a rate-limit or transient error recognized by the backoff
// executor.
type PrimaryStore interface {
	FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error)
	FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error)
	WriteClub(ctx context.Context, rec fancount.ClubRecord) error
	WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error
	ListClubIDs(ctx context.Context) ([]string, error)
}

// FallbackStore is the relational backup: lower latency, not rate-limited,
// never a source of truth for mutation.
type FallbackStore interface {
	FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error)
	FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error)
	WriteClub(ctx context.Context, rec fancount.ClubRecord) error
	WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error
	ListClubIDs(ctx context.Context) ([]string, error)
}

// ClubResult is a club read with provenance. SourcedFromFallback means the
// primary was unavailable and the value may lag the spreadsheet.
type ClubResult struct {
	Club                fancount.ClubRecord `msgpack:"club"`
	SourcedFromFallback bool                `msgpack:"sourced_from_fallback"`
}

// MembersResult is a roster read with provenance.
type MembersResult struct {
	Members             []fancount.MemberRecord `msgpack:"members"`
	SourcedFromFallback bool                    `msgpack:"sourced_from_fallback"`
}

// Hybrid is the hybrid store. It is the sole mutator of club and member
// cache entries.
type Hybrid struct {
	cache    cache.Cache
	primary  PrimaryStore
	fallback FallbackStore
	breaker  *resilience.Breaker
	retryCfg resilience.RetryConfig
	log      logger.Logger

	recordTTL   time.Duration
	fallbackTTL time.Duration

	mirrors sync.WaitGroup
}

// HybridOption configures a Hybrid.
type HybridOption func(*Hybrid)

// WithRecordTTL sets the TTL for primary-sourced cache entries.
func WithRecordTTL(d time.Duration) HybridOption {
	return func(h *Hybrid) { h.recordTTL = d }
}

// WithFallbackTTL sets the reduced TTL for fallback-sourced cache entries.
func WithFallbackTTL(d time.Duration) HybridOption {
	return func(h *Hybrid) { h.fallbackTTL = d }
}

// WithRetryConfig sets the backoff policy for primary-store calls.
func WithRetryConfig(cfg resilience.RetryConfig) HybridOption {
	return func(h *Hybrid) { h.retryCfg = cfg }
}

// WithBreaker sets the circuit breaker guarding the primary store.
func WithBreaker(b *resilience.Breaker) HybridOption {
	return func(h *Hybrid) { h.breaker = b }
}

// NewHybrid returns a Hybrid over the given cache and stores.
func NewHybrid(c cache.Cache, primary PrimaryStore, fallback FallbackStore, log logger.Logger, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		cache:       c,
		primary:     primary,
		fallback:    fallback,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerConfig()),
		retryCfg:    resilience.DefaultRetryConfig(),
		log:         log.WithPrefix("[hybrid]"),
		recordTTL:   cache.DefaultExpires,
		fallbackTTL: DefaultFallbackTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ReadClub returns a club record, read-through.
func (h *Hybrid) ReadClub(ctx context.Context, clubID string) (ClubResult, error) {
	return readThrough(ctx, h, fancount.ClubKey(clubID),
		func(ctx context.Context, s PrimaryStore) (fancount.ClubRecord, error) {
			return s.FetchClub(ctx, clubID)
		},
		func(ctx context.Context, s FallbackStore) (fancount.ClubRecord, error) {
			return s.FetchClub(ctx, clubID)
		},
		func(v fancount.ClubRecord, fromFallback bool) ClubResult {
			return ClubResult{Club: v, SourcedFromFallback: fromFallback}
		})
}

// ReadMembers returns a club's roster, read-through.
func (h *Hybrid) ReadMembers(ctx context.Context, clubID string) (MembersResult, error) {
	return readThrough(ctx, h, fancount.MembersKey(clubID),
		func(ctx context.Context, s PrimaryStore) ([]fancount.MemberRecord, error) {
			return s.FetchMembers(ctx, clubID)
		},
		func(ctx context.Context, s FallbackStore) ([]fancount.MemberRecord, error) {
			return s.FetchMembers(ctx, clubID)
		},
		func(v []fancount.MemberRecord, fromFallback bool) MembersResult {
			return MembersResult{Members: v, SourcedFromFallback: fromFallback}
		})
}

// readThrough implements the shared read path: cache, then primary with
// retry, then fallback with a reduced TTL, then DataUnavailable. Never a
// partially merged value.
func readThrough[V any, R any](
	ctx context.Context,
	h *Hybrid,
	key string,
	fromPrimary func(context.Context, PrimaryStore) (V, error),
	fromFallback func(context.Context, FallbackStore) (V, error),
	wrap func(V, bool) R,
) (R, error) {
	var zero R

	found, cached, err := cache.GetTyped[R](ctx, h.cache, key)
	if err != nil {
		// A broken cache read degrades to an upstream fetch.
		h.log.Warn("cache read for %s failed: %v", key, err)
	} else if found {
		metrics.CacheHits.Inc()
		return cached, nil
	}
	metrics.CacheMisses.Inc()

	primaryErr := h.breaker.Allow()
	var val V
	if primaryErr == nil {
		primaryErr = resilience.Retry(ctx, h.retryCfg, func() error {
			var ferr error
			val, ferr = fromPrimary(ctx, h.primary)
			return ferr
		})
		switch {
		case primaryErr == nil:
			h.breaker.ReportSuccess()
			res := wrap(val, false)
			if err := h.cache.Set(ctx, key, res, h.recordTTL); err != nil {
				h.log.Warn("cache write for %s failed: %v", key, err)
			}
			return res, nil
		case errors.Is(primaryErr, fancount.ErrRetryExhausted):
			h.breaker.ReportFailure()
		case errors.Is(primaryErr, fancount.ErrNotFound):
			// Absence is an answer, not an outage. Release rather than
			// report so a half-open probe slot is not leaked.
			h.breaker.Release()
			return zero, primaryErr
		default:
			// Non-retryable (auth, malformed data, caller cancellation):
			// surface without consulting the backup, which would mask a
			// real bug, and free the probe slot.
			h.breaker.Release()
			return zero, primaryErr
		}
	}
	metrics.PrimaryFailures.Inc()
	h.log.Warn("primary unavailable for %s, trying fallback: %v", key, primaryErr)

	val, fallbackErr := fromFallback(ctx, h.fallback)
	if fallbackErr != nil {
		return zero, errors.Mark(
			errors.Wrapf(errors.CombineErrors(primaryErr, fallbackErr), "read %s", key),
			fancount.ErrDataUnavailable,
		)
	}
	metrics.FallbackReads.Inc()
	res := wrap(val, true)
	if err := h.cache.Set(ctx, key, res, h.fallbackTTL); err != nil {
		h.log.Warn("cache write for %s failed: %v", key, err)
	}
	return res, nil
}

// WriteClub writes a club record through to the primary store, invalidates
// the club's cache namespace and mirrors to the fallback asynchronously.
func (h *Hybrid) WriteClub(ctx context.Context, rec fancount.ClubRecord) error {
	return h.writeThrough(ctx, "write club", rec.ClubID,
		func(ctx context.Context) error { return h.primary.WriteClub(ctx, rec) },
		func(ctx context.Context) error { return h.fallback.WriteClub(ctx, rec) },
	)
}

// WriteMemberDelta appends a member's latest daily reading through to the
// primary store, invalidating the owning club's cached roster and
// leaderboard.
func (h *Hybrid) WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error {
	return h.writeThrough(ctx, "write member delta", rec.ClubID,
		func(ctx context.Context) error { return h.primary.WriteMemberDelta(ctx, rec) },
		func(ctx context.Context) error { return h.fallback.WriteMemberDelta(ctx, rec) },
	)
}

func (h *Hybrid) writeThrough(ctx context.Context, op, clubID string, toPrimary, toFallback func(context.Context) error) error {
	if err := h.breaker.Allow(); err != nil {
		// No fallback-only writes: with the primary marked down the write
		// fails rather than silently diverging the stores.
		return errors.Mark(err, fancount.ErrRetryExhausted)
	}
	if err := resilience.Retry(ctx, h.retryCfg, func() error { return toPrimary(ctx) }); err != nil {
		if errors.Is(err, fancount.ErrRetryExhausted) {
			h.breaker.ReportFailure()
			metrics.PrimaryFailures.Inc()
		} else {
			h.breaker.Release()
		}
		return errors.Wrapf(err, "%s for club %s", op, clubID)
	}
	h.breaker.ReportSuccess()

	// Invalidate, never re-populate: the next reader re-derives from the
	// authoritative store instead of racing this writer.
	for _, key := range fancount.ClubKeys(clubID) {
		if _, err := h.cache.Expire(ctx, key); err != nil {
			h.log.Warn("invalidate %s failed: %v", key, err)
		}
	}

	// Mirror to the backup off the caller's path. A failed mirror is logged
	// and repaired by the next nightly sync.
	h.mirrors.Add(1)
	go func() {
		defer h.mirrors.Done()
		mctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := toFallback(mctx); err != nil {
			metrics.MirrorFailures.Inc()
			h.log.Warn("fallback mirror for club %s failed, nightly sync will repair: %v", clubID, err)
		}
	}()
	return nil
}

// ListClubIDs enumerates clubs, preferring the primary and degrading to the
// fallback the same way reads do.
func (h *Hybrid) ListClubIDs(ctx context.Context) ([]string, error) {
	var ids []string
	primaryErr := h.breaker.Allow()
	if primaryErr == nil {
		primaryErr = resilience.Retry(ctx, h.retryCfg, func() error {
			var ferr error
			ids, ferr = h.primary.ListClubIDs(ctx)
			return ferr
		})
		if primaryErr == nil {
			h.breaker.ReportSuccess()
			return ids, nil
		}
		if errors.Is(primaryErr, fancount.ErrRetryExhausted) {
			h.breaker.ReportFailure()
		} else {
			h.breaker.Release()
			return nil, primaryErr
		}
	}
	metrics.PrimaryFailures.Inc()
	ids, fallbackErr := h.fallback.ListClubIDs(ctx)
	if fallbackErr != nil {
		return nil, errors.Mark(
			errors.Wrap(errors.CombineErrors(primaryErr, fallbackErr), "list clubs"),
			fancount.ErrDataUnavailable,
		)
	}
	metrics.FallbackReads.Inc()
	return ids, nil
}

// InvalidateClub drops every cache entry in the club's namespace. Used when
// a club's shape changes wholesale (e.g. quota toggled by an operator).
func (h *Hybrid) InvalidateClub(ctx context.Context, clubID string) error {
	for _, key := range fancount.ClubKeys(clubID) {
		if _, err := h.cache.Expire(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Flush waits for in-flight fallback mirrors, for shutdown and tests.
func (h *Hybrid) Flush() {
	h.mirrors.Wait()
}

package scheduler

import (
	"context"
	"time"

	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/store"
)

// DefaultWarmupInterval re-primes the cache well inside the record TTL so
// steady-state reads almost never pay an upstream round trip.
const DefaultWarmupInterval = 6 * time.Hour

// WarmStore is the slice of the hybrid store the warm-up job drives.
type WarmStore interface {
	ListClubIDs(ctx context.Context) ([]string, error)
	ReadClub(ctx context.Context, clubID string) (store.ClubResult, error)
	ReadMembers(ctx context.Context, clubID string) (store.MembersResult, error)
}

// WarmupJob walks every known club and reads its record and roster through
// the hybrid store, populating the cache. A failing club is logged and
// skipped; one bad row must not starve the rest of the leaderboard.
type WarmupJob struct {
	job
	store    WarmStore
	interval time.Duration
	log      logger.Logger
}

// NewWarmupJob returns a warm-up job. interval <= 0 uses the default.
func NewWarmupJob(s WarmStore, log logger.Logger, interval time.Duration) *WarmupJob {
	if interval <= 0 {
		interval = DefaultWarmupInterval
	}
	return &WarmupJob{
		job:      newJob("cache-warmup"),
		store:    s,
		interval: interval,
		log:      log.WithPrefix("[warmup]"),
	}
}

// Serve implements suture.Service: one immediate pass, then one per interval.
func (w *WarmupJob) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.record(ctx, w.runOnce); err != nil {
			w.log.Warn("warm-up pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *WarmupJob) runOnce(ctx context.Context) error {
	ids, err := w.store.ListClubIDs(ctx)
	if err != nil {
		return err
	}
	warmed, failed := 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.store.ReadClub(ctx, id); err != nil {
			failed++
			w.log.Warn("warm-up: club %s unreadable: %v", id, err)
			continue
		}
		if _, err := w.store.ReadMembers(ctx, id); err != nil {
			failed++
			w.log.Warn("warm-up: members of %s unreadable: %v", id, err)
			continue
		}
		warmed++
	}
	w.log.Info("warm-up pass done: %d clubs warmed, %d failed", warmed, failed)
	return nil
}

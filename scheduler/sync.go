package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/metrics"
)

const (
	// DefaultSyncHourUTC is when the nightly sync fires, chosen for the quiet
	// window after the daily fan-count reset.
	DefaultSyncHourUTC = 3

	// DefaultSyncConcurrency bounds the per-club fan-out so the sync itself
	// does not trip the upstream rate limit.
	DefaultSyncConcurrency = 4

	// redundantRunWindow skips a sync when the checkpoint shows a successful
	// run this recent, so a restart just before the scheduled hour does not
	// double-run.
	redundantRunWindow = 20 * time.Hour
)

// SyncSource is the authoritative store the sync reads from. Satisfied by
// the spreadsheet client; the hybrid store is deliberately not used here so
// the mirror reflects the primary, not the cache.
type SyncSource interface {
	ListClubIDs(ctx context.Context) ([]string, error)
	FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error)
	FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error)
}

// SyncTarget is the fallback store the sync writes into.
type SyncTarget interface {
	WriteClub(ctx context.Context, rec fancount.ClubRecord) error
	UpsertMembers(ctx context.Context, clubID string, members []fancount.MemberRecord) (int, error)
	LoadCheckpoint(ctx context.Context) (fancount.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp fancount.SyncCheckpoint) error
}

// SyncJob mirrors every club and its member stats from the primary store
// into the fallback once per night. The whole job is idempotent: upserts key
// on (club, member, date), so a rerun with no new data writes the same rows.
type SyncJob struct {
	job
	source      SyncSource
	target      SyncTarget
	hourUTC     int
	concurrency int
	log         logger.Logger
	now         func() time.Time // test hook
}

// NewSyncJob returns a nightly sync job firing at hourUTC (0-23; out of
// range uses DefaultSyncHourUTC).
func NewSyncJob(source SyncSource, target SyncTarget, log logger.Logger, hourUTC int) *SyncJob {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = DefaultSyncHourUTC
	}
	return &SyncJob{
		job:         newJob("nightly-sync"),
		source:      source,
		target:      target,
		hourUTC:     hourUTC,
		concurrency: DefaultSyncConcurrency,
		log:         log.WithPrefix("[sync]"),
		now:         time.Now,
	}
}

// nextRun returns the next wall-clock instant of the configured UTC hour.
func (s *SyncJob) nextRun(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Serve implements suture.Service, sleeping until the scheduled hour.
func (s *SyncJob) Serve(ctx context.Context) error {
	for {
		wait := time.Until(s.nextRun(s.now()))
		s.log.Debug("next sync in %s", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.record(ctx, s.RunOnce); err != nil {
			s.log.Error("nightly sync failed: %v", err)
		}
	}
}

// RunOnce performs a single synchronization pass. Exported so the daemon can
// trigger an on-demand sync (operator command) outside the schedule.
func (s *SyncJob) RunOnce(ctx context.Context) error {
	cp, err := s.target.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}
	if cp.FreshWithin(s.now(), redundantRunWindow) {
		s.log.Info("skipping sync: last success at %s is recent", cp.LastSyncAt.Format(time.RFC3339))
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return nil
	}

	start := s.now()
	ids, err := s.source.ListClubIDs(ctx)
	if err != nil {
		s.finish(ctx, start, 0, fancount.SyncFailed)
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		return err
	}

	var synced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		clubID := id
		g.Go(func() error {
			club, err := s.source.FetchClub(gctx, clubID)
			if err != nil {
				return err
			}
			if err := s.target.WriteClub(gctx, club); err != nil {
				return err
			}
			members, err := s.source.FetchMembers(gctx, clubID)
			if err != nil {
				return err
			}
			n, err := s.target.UpsertMembers(gctx, clubID, members)
			if err != nil {
				return err
			}
			synced.Add(int64(n) + 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.finish(ctx, start, int(synced.Load()), fancount.SyncFailed)
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		return err
	}

	total := int(synced.Load())
	s.finish(ctx, start, total, fancount.SyncSucceeded)
	metrics.SyncRuns.WithLabelValues("succeeded").Inc()
	metrics.SyncRecords.Set(float64(total))
	s.log.Info("nightly sync done: %d clubs, %d records in %s", len(ids), total, time.Since(start).Round(time.Millisecond))
	return nil
}

// finish persists the checkpoint; a checkpoint write failure is logged but
// does not override the sync outcome.
func (s *SyncJob) finish(ctx context.Context, started time.Time, records int, status fancount.SyncStatus) {
	cp := fancount.SyncCheckpoint{
		LastSyncAt:     started.UTC(),
		LastSyncStatus: status,
		RecordsSynced:  records,
	}
	if err := s.target.SaveCheckpoint(ctx, cp); err != nil {
		s.log.Error("checkpoint save failed: %v", err)
	}
}

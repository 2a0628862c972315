package scheduler

import (
	"context"
	"time"

	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/metrics"
)

// DefaultCleanupInterval is how often overdue pending requests are swept.
const DefaultCleanupInterval = 10 * time.Minute

// Sweeper is the slice of the pending request ledger the cleanup job drives.
type Sweeper interface {
	SweepExpired(now time.Time) int
}

// CleanupJob periodically expires overdue pending requests.
type CleanupJob struct {
	job
	sweeper  Sweeper
	interval time.Duration
	log      logger.Logger
}

// NewCleanupJob returns a cleanup job. interval <= 0 uses the default.
func NewCleanupJob(sweeper Sweeper, log logger.Logger, interval time.Duration) *CleanupJob {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupJob{
		job:      newJob("ledger-cleanup"),
		sweeper:  sweeper,
		interval: interval,
		log:      log.WithPrefix("[cleanup]"),
	}
}

// Serve implements suture.Service.
func (c *CleanupJob) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		_ = c.record(ctx, func(context.Context) error {
			if n := c.sweeper.SweepExpired(time.Now()); n > 0 {
				metrics.LedgerSwept.Add(float64(n))
				c.log.Info("expired %d pending requests", n)
			}
			return nil
		})
	}
}

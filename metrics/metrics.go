// Package metrics exposes Prometheus instrumentation for the data layer.
// Collectors are registered on the default registry; serve them with
// promhttp.Handler from the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts reads served from the TTL cache without touching a
	// backing store.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_cache_hits_total",
		Help: "Reads served from the TTL cache.",
	})

	// CacheMisses counts reads that had to go upstream.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_cache_misses_total",
		Help: "Reads that missed the TTL cache.",
	})

	// PrimaryFailures counts primary-store calls that exhausted their
	// retries or were short-circuited by the open breaker.
	PrimaryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_primary_failures_total",
		Help: "Primary store calls that failed after retries or were skipped by the breaker.",
	})

	// FallbackReads counts reads served from the relational backup.
	FallbackReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_fallback_reads_total",
		Help: "Reads served from the fallback store.",
	})

	// MirrorFailures counts async write mirrors that failed and are left
	// for the nightly sync to repair.
	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_mirror_failures_total",
		Help: "Asynchronous fallback mirror writes that failed.",
	})

	// SyncRuns counts nightly synchronization runs by outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mambo_sync_runs_total",
		Help: "Nightly synchronization runs by outcome.",
	}, []string{"status"})

	// SyncRecords reports how many records the last sync mirrored.
	SyncRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mambo_sync_records_synced",
		Help: "Records mirrored by the most recent nightly sync.",
	})

	// LedgerSwept counts pending requests expired by the cleanup job.
	LedgerSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mambo_ledger_swept_total",
		Help: "Pending requests transitioned to expired by the cleanup job.",
	})
)

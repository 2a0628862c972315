// Command mambod runs the Mambo data daemon: the persistent TTL cache, the
// hybrid spreadsheet/SQLite store and the supervised background jobs, plus
// an optional HTTP listener for metrics and job health.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/senchouXflare/Mambo-the-Omniscient/cache"
	"github.com/senchouXflare/Mambo-the-Omniscient/config"
	"github.com/senchouXflare/Mambo-the-Omniscient/ledger"
	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
	"github.com/senchouXflare/Mambo-the-Omniscient/relstore"
	"github.com/senchouXflare/Mambo-the-Omniscient/resilience"
	"github.com/senchouXflare/Mambo-the-Omniscient/scheduler"
	"github.com/senchouXflare/Mambo-the-Omniscient/sheets"
	"github.com/senchouXflare/Mambo-the-Omniscient/store"
)

func main() {
	configPath := flag.String("config", "", "path to mambo.yaml (defaults to the standard search paths)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mambod: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Format, logger.ParseLevel(cfg.Log.Level))
	if err := run(cfg, log); err != nil {
		log.Fatal("mambod: %v", err)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataCache, err := buildCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		// Final snapshot flush happens here; nothing written after this
		// survives a restart.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dataCache.Close(shutdownCtx); err != nil {
			log.Error("cache close: %v", err)
		}
	}()

	primary := sheets.New(log, cfg.Sheets.BaseURL, cfg.Sheets.Token,
		sheets.WithRateLimit(cfg.Sheets.RateLimit, cfg.Sheets.Burst),
		sheets.WithHTTPClient(&http.Client{Timeout: cfg.Sheets.Timeout}),
	)

	fallback, err := relstore.New(cfg.Relstore.Path)
	if err != nil {
		return err
	}
	defer fallback.Close()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	})
	hybrid := store.NewHybrid(dataCache, primary, fallback, log,
		store.WithBreaker(breaker),
		store.WithRecordTTL(cfg.Cache.TTL),
		store.WithFallbackTTL(cfg.Cache.FallbackTTL),
		store.WithRetryConfig(resilience.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			BaseDelay:       cfg.Retry.BaseDelay,
			MaxDelay:        cfg.Retry.MaxDelay,
			Jitter:          true,
			RetryableErrors: resilience.DefaultRetryableErrors,
		}),
	)
	defer hybrid.Flush()

	requests := ledger.New()

	jobs := scheduler.New(log,
		scheduler.NewWarmupJob(hybrid, log, cfg.Jobs.WarmupInterval),
		scheduler.NewSyncJob(primary, fallback, log, cfg.Jobs.SyncHourUTC),
		scheduler.NewCleanupJob(requests, log, cfg.Jobs.CleanupInterval),
	)
	supDone := jobs.ServeBackground(ctx)

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = metricsServer(cfg.Metrics.Addr, jobs)
		go func() {
			log.Info("metrics listening on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server: %v", err)
			}
		}()
	}

	log.Info("mambod started")
	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := <-supDone; err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// buildCache assembles the persistent snapshot cache, layered under Redis
// when a shared cache is configured.
func buildCache(ctx context.Context, cfg *config.Config, log logger.Logger) (cache.Cache, error) {
	persistent, err := cache.NewPersistent(ctx, cfg.Cache.Path, log,
		cache.WithExpires(cfg.Cache.TTL),
		cache.WithFlushDebounce(cfg.Cache.FlushDebounce),
	)
	if err != nil {
		return nil, err
	}
	if !cfg.Redis.Enabled {
		return persistent, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	redisCache := cache.NewRedis(client,
		cache.WithExpires(cfg.Cache.TTL),
		cache.WithPrefix("mambo"),
	)
	return cache.NewLayered(persistent, redisCache), nil
}

func metricsServer(addr string, jobs *scheduler.Scheduler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = gojson.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"jobs":   jobs.Status(),
		})
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

package main

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud"
	"github.com/BearBump/ParcelSync/internal/integrations/sendcloud/fake"
	"github.com/BearBump/ParcelSync/internal/services/resync"
	"github.com/BearBump/ParcelSync/internal/storage/pgfulfillment"
	"go.uber.org/zap"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo resync.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) resync.Producer
	newRateLimiter func(cfg *config.Config) resync.RateLimiter
	newSeenCache   func(cfg *config.Config) resync.SeenCache
	newClient      func(cfg *config.Config) sendcloud.Client
}

func defaultWorkerFactories() workerFactories {
	// The seen cache and the rate limiter share one Redis pool.
	var (
		redisOnce sync.Once
		rc        *rediscache.RedisCache
	)
	redisFor := func(cfg *config.Config) *rediscache.RedisCache {
		redisOnce.Do(func() { rc = rediscache.New(cfg.RedisAddr()) })
		return rc
	}
	return workerFactories{
		newStorage: func(cfg *config.Config) (resync.Repository, func(), error) {
			st, err := pgfulfillment.New(cfg.PostgresConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) resync.Producer {
			return kafka.NewProducer(cfg.KafkaBrokers())
		},
		newRateLimiter: func(cfg *config.Config) resync.RateLimiter {
			return redisFor(cfg).RateLimiter()
		},
		newSeenCache: func(cfg *config.Config) resync.SeenCache {
			return redisFor(cfg)
		},
		newClient: func(cfg *config.Config) sendcloud.Client {
			// Without API credentials fall back to the deterministic fake.
			if cfg.Sendcloud.PublicKey == "" || cfg.Sendcloud.SecretKey == "" {
				return fake.New()
			}
			return sendcloud.NewAPIClient(cfg.Sendcloud.BaseURL, cfg.Sendcloud.PublicKey, cfg.Sendcloud.SecretKey)
		},
	}
}

func workerSettings(cfg *config.Config) (pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) {
	pollInterval = time.Duration(cfg.ParcelSync.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	batchSize = cfg.ParcelSync.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency = cfg.ParcelSync.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease = time.Duration(cfg.ParcelSync.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin = int64(cfg.ParcelSync.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}
	return pollInterval, batchSize, concurrency, lease, rlPerMin
}

func plannerConfig(cfg *config.Config) resync.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return resync.PlannerConfig{
		ShippedMinDelay: sec(cfg.ParcelSync.WorkerNextSyncShippedMinSeconds),
		ShippedMaxDelay: sec(cfg.ParcelSync.WorkerNextSyncShippedMaxSeconds),
		OtherDelay:      sec(cfg.ParcelSync.WorkerNextSyncOtherSeconds),
		Backoff1:        sec(cfg.ParcelSync.WorkerBackoff1Seconds),
		Backoff2:        sec(cfg.ParcelSync.WorkerBackoff2Seconds),
		Backoff3:        sec(cfg.ParcelSync.WorkerBackoff3Seconds),
		Backoff4:        sec(cfg.ParcelSync.WorkerBackoff4Seconds),
	}
}

func buildWorker(cfg *config.Config, f workerFactories, repo resync.Repository, log *zap.Logger) *resync.Worker {
	pollInterval, batchSize, concurrency, lease, rlPerMin := workerSettings(cfg)

	w := resync.New(repo, f.newClient(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), cfg.ParcelObservedTopic(), cfg.ProviderID()).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(plannerConfig(cfg)).
		WithLogger(log)
	if f.newSeenCache != nil {
		if c := f.newSeenCache(cfg); c != nil {
			w = w.WithSeenCache(c)
		}
	}
	return w
}

// RunResyncWorker runs the poll loop and the ops HTTP server until ctx ends.
func RunResyncWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	w := buildWorker(cfg, f, repo, log)

	httpOpts.worker = w
	httpOpts.cfg = cfg
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, httpOpts)
	}()

	runErr := w.Run(ctx)
	if err := <-httpErr; err != nil && ctx.Err() == nil {
		log.Error("worker http server", zap.Error(err))
	}
	return runErr
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/logger"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/storage/pgfulfillment"
	"go.uber.org/zap"
)

type webhookApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   webhookOpts
	deps   webhookDeps

	closers []func()
}

func mustBootstrapWebhook() *webhookApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})

	opts := webhookOptsFromConfig(cfg)
	opts.swaggerPath = os.Getenv("swaggerPath")

	st := mustOpenPostgresWithRetry(cfg.PostgresConnString(), 60*time.Second, log)
	rc := rediscache.New(cfg.RedisAddr())
	producer := kafka.NewProducer(cfg.KafkaBrokers())
	consumer := kafka.NewConsumer(cfg.KafkaBrokers(), opts.topic, opts.consumerGroup)

	dedupeTTL := time.Duration(cfg.ParcelSync.DedupeTTLSeconds) * time.Second
	if dedupeTTL <= 0 {
		dedupeTTL = 10 * time.Minute
	}
	// A parcel seen by webhook is not polled until the next shipped window.
	seenTTL := time.Duration(cfg.ParcelSync.WorkerNextSyncShippedMinSeconds) * time.Second
	if seenTTL <= 0 {
		seenTTL = 30 * time.Minute
	}

	rec := reconciler.New(st, cfg.ProviderID()).
		WithCache(rc, dedupeTTL, seenTTL).
		WithProducer(producer, cfg.FulfillmentStatusTopic()).
		WithWebhookSecret(cfg.Sendcloud.WebhookSecret).
		WithLogger(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &webhookApp{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		deps: webhookDeps{
			rec:      rec,
			consumer: consumer,
			checks:   map[string]pinger{"postgres": st, "redis": rc},
			log:      log,
		},
		closers: []func(){
			func() { _ = consumer.Close() },
			func() { _ = producer.Close() },
			func() { _ = rc.Close() },
			st.Close,
			func() { _ = log.Sync() },
		},
	}
}

func webhookOptsFromConfig(cfg *config.Config) webhookOpts {
	grpcAddr := cfg.ParcelSync.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.ParcelSync.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ParcelSync.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "sendcloud-webhook"
	}
	return webhookOpts{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		topic:         cfg.ParcelObservedTopic(),
		consumerGroup: consumerGroup,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration, log *zap.Logger) *pgfulfillment.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgfulfillment.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		log.Warn("postgres not ready, retrying", zap.Error(err))
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *webhookApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *webhookApp) Run() error {
	return runWebhookService(a.ctx, a.opts, a.deps)
}

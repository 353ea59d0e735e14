package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpOpts := workerHTTPOpts{
		httpAddr:    cfg.ParcelSync.WorkerHTTPAddr,
		swaggerPath: os.Getenv("workerSwaggerPath"),
	}
	if err := RunResyncWorker(ctx, cfg, defaultWorkerFactories(), httpOpts, log); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

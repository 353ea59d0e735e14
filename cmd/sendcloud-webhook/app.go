package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	webhookapi "github.com/BearBump/ParcelSync/internal/api/webhook_api"
	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type webhookOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	readinessInterval time.Duration

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type webhookReconciler interface {
	webhookapi.Reconciler
	HandleObservation(ctx context.Context, m messages.ParcelStatusObserved) reconciler.Result
}

// pinger is a dependency probed by /readyz and the gRPC health service.
type pinger interface {
	Ping(ctx context.Context) error
}

type webhookDeps struct {
	rec      webhookReconciler
	consumer kafkaConsumer
	checks   map[string]pinger
	log      *zap.Logger
}

func runWebhookService(ctx context.Context, opts webhookOpts, deps webhookDeps) error {
	if deps.log == nil {
		deps.log = zap.NewNop()
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}
	if opts.readinessInterval <= 0 {
		opts.readinessInterval = 10 * time.Second
	}

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	hs := health.NewServer()
	go watchReadiness(ctx, hs, deps.checks, opts.readinessInterval, deps.log)

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis, hs, deps.log)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, newRouter(opts, deps), deps.log)
	}()

	if deps.consumer != nil {
		go func() {
			deps.log.Info("kafka consumer started", zap.String("topic", opts.topic), zap.String("group", opts.consumerGroup))
			err := deps.consumer.Consume(ctx, observationHandler(ctx, deps.rec, deps.log))
			if err != nil && ctx.Err() == nil {
				deps.log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return stopErr(ctx, err)
	case err := <-httpErr:
		return stopErr(ctx, err)
	}
}

func stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// observationHandler never fails a message: a poison message or a
// reconcile failure is logged and committed so the partition keeps moving.
// The next resync cycle observes the parcel again.
func observationHandler(ctx context.Context, rec webhookReconciler, log *zap.Logger) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.ParcelStatusObserved
		if err := json.Unmarshal(value, &m); err != nil {
			log.Warn("drop undecodable parcel observation", zap.Error(err))
			return nil
		}
		res := rec.HandleObservation(ctx, m)
		if !res.Success {
			log.Warn("parcel observation not applied",
				zap.Int64("parcel_id", m.ParcelID),
				zap.String("message", res.Message),
			)
		}
		return nil
	}
}

func newRouter(opts webhookOpts, deps webhookDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if failed := checkAll(r.Context(), deps.checks); len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "not_ready", "failed": failed})
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}

	webhookapi.New(deps.rec, deps.log).Routes(r)
	return r
}

func checkAll(ctx context.Context, checks map[string]pinger) map[string]string {
	failed := map[string]string{}
	for name, c := range checks {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Ping(pctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func watchReadiness(ctx context.Context, hs *health.Server, checks map[string]pinger, interval time.Duration, log *zap.Logger) {
	update := func() {
		if failed := checkAll(ctx, checks); len(failed) > 0 {
			log.Warn("dependencies not ready", zap.Any("failed", failed))
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	update()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}

func runGRPCServer(ctx context.Context, lis net.Listener, hs *health.Server, log *zap.Logger) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	log.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return s.Serve(lis)
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
